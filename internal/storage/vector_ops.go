package storage

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/dshills/ctxengine/pkg/types"
)

// payloadKeyPattern restricts filter keys to dotted identifiers so they can
// be turned into JSON paths safely.
var payloadKeyPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)*$`)

// searchVector performs vector similarity search
func searchVector(ctx context.Context, db *sql.DB, collection string, distance types.Distance, req types.SearchRequest) ([]types.ScoredPoint, error) {
	// Use SQL-side scoring when sqlite-vec is available; it only covers cosine
	if VectorExtensionAvailable && distance == types.DistanceCosine {
		return searchVectorOptimized(ctx, db, collection, req)
	}
	return searchVectorFallback(ctx, db, collection, distance, req)
}

// searchVectorOptimized uses the sqlite-vec extension for cosine scoring
func searchVectorOptimized(ctx context.Context, db *sql.DB, collection string, req types.SearchRequest) ([]types.ScoredPoint, error) {
	// vec_distance_cosine returns distance (lower is better); convert to similarity
	query := `
		SELECT
			id,
			payload,
			1.0 - vec_distance_cosine(vector, ?) AS score
		FROM points
		WHERE collection = ?
	`
	args := []any{serializeVector(req.Vector), collection}

	clause, filterArgs, err := buildFilterClause(req.Filter)
	if err != nil {
		return nil, err
	}
	query += clause + " ORDER BY score DESC LIMIT ?"
	args = append(args, filterArgs...)
	args = append(args, req.Limit)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute vector search: %w", err)
	}
	defer func() { _ = rows.Close() }()

	results := make([]types.ScoredPoint, 0, req.Limit)
	for rows.Next() {
		var (
			point   types.ScoredPoint
			payload string
		)
		if err := rows.Scan(&point.ID, &payload, &point.Score); err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		if req.WithPayload {
			if point.Payload, err = decodePayload(payload); err != nil {
				return nil, fmt.Errorf("point %s: %w", point.ID, err)
			}
		}
		results = append(results, point)
	}

	return results, rows.Err()
}

// searchVectorFallback loads candidate vectors and scores them in Go
func searchVectorFallback(ctx context.Context, db *sql.DB, collection string, distance types.Distance, req types.SearchRequest) ([]types.ScoredPoint, error) {
	query := "SELECT id, vector, payload FROM points WHERE collection = ?"
	args := []any{collection}

	clause, filterArgs, err := buildFilterClause(req.Filter)
	if err != nil {
		return nil, err
	}
	query += clause
	args = append(args, filterArgs...)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query vectors: %w", err)
	}
	defer func() { _ = rows.Close() }()

	candidates, err := computeScores(rows, req.Vector, distance)
	if err != nil {
		return nil, err
	}

	sortCandidates(candidates, distance)
	if len(candidates) > req.Limit {
		candidates = candidates[:req.Limit]
	}

	results := make([]types.ScoredPoint, 0, len(candidates))
	for _, c := range candidates {
		point := types.ScoredPoint{ID: c.id, Score: c.score}
		if req.WithPayload {
			if point.Payload, err = decodePayload(c.payload); err != nil {
				return nil, fmt.Errorf("point %s: %w", c.id, err)
			}
		}
		results = append(results, point)
	}
	return results, nil
}

// candidate holds an intermediate search result
type candidate struct {
	id      string
	payload string
	score   float64
}

// computeScores scores every row against the query vector
func computeScores(rows *sql.Rows, query []float32, distance types.Distance) ([]candidate, error) {
	var candidates []candidate
	for rows.Next() {
		var (
			c    candidate
			blob []byte
		)
		if err := rows.Scan(&c.id, &blob, &c.payload); err != nil {
			return nil, fmt.Errorf("failed to scan vector: %w", err)
		}

		vector := deserializeVector(blob)
		if len(vector) != len(query) {
			continue
		}
		c.score = score(distance, query, vector)
		candidates = append(candidates, c)
	}
	return candidates, rows.Err()
}

// score applies the collection metric
func score(distance types.Distance, a, b []float32) float64 {
	switch distance {
	case types.DistanceDot:
		return dotProduct(a, b)
	case types.DistanceEuclidean:
		return euclideanDistance(a, b)
	default:
		return cosineSimilarity(a, b)
	}
}

// sortCandidates orders best first; euclidean distance is ascending, the
// similarity metrics descending. Ties break on id for stable output.
func sortCandidates(candidates []candidate, distance types.Distance) {
	ascending := distance == types.DistanceEuclidean
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			if ascending {
				return candidates[i].score < candidates[j].score
			}
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].id < candidates[j].id
	})
}

// buildFilterClause renders a payload filter as AND-ed SQL conditions over
// json_extract. The filePath key uses the indexed column.
func buildFilterClause(filter *types.Filter) (string, []any, error) {
	if filter.IsEmpty() {
		return "", nil, nil
	}

	var (
		sb   strings.Builder
		args []any
	)
	for _, cond := range filter.Must {
		if err := writeCondition(&sb, &args, cond, false); err != nil {
			return "", nil, err
		}
	}
	for _, cond := range filter.MustNot {
		if err := writeCondition(&sb, &args, cond, true); err != nil {
			return "", nil, err
		}
	}
	return sb.String(), args, nil
}

func writeCondition(sb *strings.Builder, args *[]any, cond types.FieldCondition, negate bool) error {
	if !payloadKeyPattern.MatchString(cond.Key) {
		return types.NewValidationError("filter.key", fmt.Sprintf("unsupported payload key %q", cond.Key))
	}

	column := "json_extract(payload, ?)"
	var columnArgs []any
	if cond.Key == types.PayloadFilePath {
		column = "file_path"
	} else {
		columnArgs = []any{"$." + cond.Key}
	}

	in, eq := " IN (", " = ?"
	if negate {
		in, eq = " NOT IN (", " != ?"
	}
	switch {
	case len(cond.Any) > 0:
		sb.WriteString(" AND " + column + in + placeholders(len(cond.Any)) + ")")
		*args = append(*args, columnArgs...)
		for _, v := range cond.Any {
			*args = append(*args, sqlValue(v))
		}
	case cond.Value != nil:
		sb.WriteString(" AND " + column + eq)
		*args = append(*args, columnArgs...)
		*args = append(*args, sqlValue(cond.Value))
	default:
		return types.NewValidationError("filter."+cond.Key, "value or any required")
	}
	return nil
}

// sqlValue maps JSON scalars onto what json_extract returns
func sqlValue(v any) any {
	if b, ok := v.(bool); ok {
		if b {
			return 1
		}
		return 0
	}
	return v
}

// serializeVector converts a float32 slice to a byte blob (little-endian)
func serializeVector(vector []float32) []byte {
	blob := make([]byte, len(vector)*4)
	for i, v := range vector {
		binary.LittleEndian.PutUint32(blob[i*4:], math.Float32bits(v))
	}
	return blob
}

// deserializeVector converts a byte blob back to a float32 slice
func deserializeVector(blob []byte) []float32 {
	vector := make([]float32, len(blob)/4)
	for i := range vector {
		vector[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vector
}

// cosineSimilarity computes cosine similarity between two vectors
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func dotProduct(a, b []float32) float64 {
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}

func euclideanDistance(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}
