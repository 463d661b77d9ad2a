package types

import (
	"fmt"
	"strings"
)

// Payload keys written for every chunk point
const (
	PayloadFilePath  = "filePath"
	PayloadContent   = "content"
	PayloadStartLine = "startLine"
	PayloadEndLine   = "endLine"
	PayloadChunkType = "type"
	PayloadLanguage  = "language"
	PayloadIndex     = "chunkIndex"
	PayloadMetadata  = "metadata"
)

// Metadata keys set on chunks of Go files
const (
	MetadataPackage = "package"
	MetadataSymbols = "symbols"
)

// Distance is the similarity metric of a collection
type Distance string

const (
	DistanceCosine    Distance = "Cosine"
	DistanceDot       Distance = "Dot"
	DistanceEuclidean Distance = "Euclidean"
)

// ParseDistance accepts the canonical names plus the short wire form "Euclid"
func ParseDistance(s string) (Distance, error) {
	switch strings.ToLower(s) {
	case "", "cosine":
		return DistanceCosine, nil
	case "dot":
		return DistanceDot, nil
	case "euclid", "euclidean":
		return DistanceEuclidean, nil
	default:
		return "", NewValidationError("distance", fmt.Sprintf("unsupported metric %q", s))
	}
}

// CollectionConfig is the create-collection contract
type CollectionConfig struct {
	VectorSize int
	Distance   Distance
}

// CollectionInfo is returned by collection stats
type CollectionInfo struct {
	Name        string
	VectorSize  int
	Distance    Distance
	PointsCount int64
	Status      string
}

// Point is a vector record stored in a collection
type Point struct {
	ID      string
	Vector  []float32
	Payload map[string]any
}

// ScoredPoint is a search hit
type ScoredPoint struct {
	ID      string
	Score   float64
	Payload map[string]any
}

// PayloadString returns a payload value as a string, or "" when absent
func (p ScoredPoint) PayloadString(key string) string {
	if v, ok := p.Payload[key].(string); ok {
		return v
	}
	return ""
}

// PayloadInt returns a numeric payload value as an int, or 0 when absent
func (p ScoredPoint) PayloadInt(key string) int {
	switch v := p.Payload[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case float32:
		return int(v)
	}
	return 0
}

// MetadataStrings returns a list of strings stored under the payload
// metadata map, as written or after a JSON round trip
func (p ScoredPoint) MetadataStrings(key string) []string {
	meta, ok := p.Payload[PayloadMetadata].(map[string]any)
	if !ok {
		return nil
	}
	switch v := meta[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// FieldCondition matches a payload key against a single value or any of a set of values
type FieldCondition struct {
	Key   string
	Value any
	Any   []any
}

// Filter is a conjunction of payload conditions. A point matches when every
// Must condition holds and no MustNot condition does.
type Filter struct {
	Must    []FieldCondition
	MustNot []FieldCondition
}

// MatchField returns a filter with a single equality condition
func MatchField(key string, value any) *Filter {
	return &Filter{Must: []FieldCondition{{Key: key, Value: value}}}
}

// IsEmpty reports whether the filter has no conditions
func (f *Filter) IsEmpty() bool {
	return f == nil || (len(f.Must) == 0 && len(f.MustNot) == 0)
}

// SearchRequest is the search contract. An empty Vector with a Filter selects
// points by payload only.
type SearchRequest struct {
	Vector      []float32
	Limit       int
	Filter      *Filter
	WithPayload bool
}

// PointSelector selects points for deletion by ids or by payload filter
type PointSelector struct {
	IDs    []string
	Filter *Filter
}
