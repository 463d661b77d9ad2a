package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/dshills/ctxengine/internal/pool"
	"github.com/dshills/ctxengine/internal/retry"
	"github.com/dshills/ctxengine/pkg/types"
)

const (
	// DefaultQdrantAddr is the local Qdrant gRPC endpoint
	DefaultQdrantAddr = "localhost:6334"

	defaultQdrantPort = 6334
)

// QdrantError is a failed gRPC call to Qdrant
type QdrantError struct {
	Op   string
	Code codes.Code
	Err  error
}

func (e *QdrantError) Error() string {
	return fmt.Sprintf("qdrant %s: %v", e.Op, e.Err)
}

func (e *QdrantError) Unwrap() error {
	return e.Err
}

// Broken reports whether the server could not be reached at all
func (e *QdrantError) Broken() bool {
	return e.Code == codes.Unavailable
}

// QdrantConn wraps one Qdrant client. Each pooled connection owns its own
// gRPC channel so that breaking one does not affect the others.
type QdrantConn struct {
	client  *qdrant.Client
	timeout time.Duration
}

// QdrantEndpoint is a parsed Qdrant address
type QdrantEndpoint struct {
	Host   string
	Port   int
	UseTLS bool
}

// ParseQdrantAddr accepts host:port or an http(s) URL. https selects TLS.
// A missing port defaults to the gRPC port 6334.
func ParseQdrantAddr(raw string) (QdrantEndpoint, error) {
	if raw == "" {
		raw = DefaultQdrantAddr
	}
	ep := QdrantEndpoint{Port: defaultQdrantPort}

	hostport := raw
	if strings.Contains(raw, "://") {
		u, err := url.Parse(raw)
		if err != nil {
			return QdrantEndpoint{}, types.NewValidationError("qdrant_addr", err.Error())
		}
		switch u.Scheme {
		case "http":
		case "https":
			ep.UseTLS = true
		default:
			return QdrantEndpoint{}, types.NewValidationError("qdrant_addr", fmt.Sprintf("unsupported scheme %q", u.Scheme))
		}
		hostport = u.Host
	}

	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		// No port given
		ep.Host = strings.Trim(hostport, "[]")
	} else {
		ep.Host = host
		if ep.Port, err = strconv.Atoi(port); err != nil || ep.Port <= 0 || ep.Port > 65535 {
			return QdrantEndpoint{}, types.NewValidationError("qdrant_addr", fmt.Sprintf("invalid port %q", port))
		}
	}
	if ep.Host == "" {
		return QdrantEndpoint{}, types.NewValidationError("qdrant_addr", "host is required")
	}
	return ep, nil
}

// NewQdrantDialer returns a dialer that opens Qdrant gRPC connections and
// verifies each with a ping before handing it to the pool
func NewQdrantDialer(addr, apiKey string, timeout time.Duration) (pool.Dialer[Conn], error) {
	ep, err := ParseQdrantAddr(addr)
	if err != nil {
		return nil, err
	}

	return func(ctx context.Context) (Conn, error) {
		client, err := qdrant.NewClient(&qdrant.Config{
			Host:                   ep.Host,
			Port:                   ep.Port,
			APIKey:                 apiKey,
			UseTLS:                 ep.UseTLS,
			PoolSize:               1,
			SkipCompatibilityCheck: true,
		})
		if err != nil {
			return nil, retry.Permanent(fmt.Errorf("create qdrant client: %w", err))
		}
		c := &QdrantConn{client: client, timeout: timeout}
		if err := c.Ping(ctx); err != nil {
			_ = c.Close()
			return nil, err
		}
		return c, nil
	}, nil
}

func (c *QdrantConn) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

// Ping lists collections; it is the cheapest authenticated call
func (c *QdrantConn) Ping(ctx context.Context) error {
	_, err := c.ListCollections(ctx)
	return err
}

// Close tears down the gRPC channel
func (c *QdrantConn) Close() error {
	return c.client.Close()
}

// Collection operations

func (c *QdrantConn) ListCollections(ctx context.Context) ([]string, error) {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()

	names, err := c.client.ListCollections(ctx)
	if err != nil {
		return nil, qdrantErr("list collections", "", err)
	}
	if names == nil {
		names = []string{}
	}
	return names, nil
}

func (c *QdrantConn) GetCollection(ctx context.Context, name string) (*types.CollectionInfo, error) {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()

	info, err := c.client.GetCollectionInfo(ctx, name)
	if err != nil {
		return nil, qdrantErr("get collection", name, err)
	}

	params := info.GetConfig().GetParams().GetVectorsConfig().GetParams()
	if params == nil {
		return nil, fmt.Errorf("collection %s: %w: named vectors are not supported", name, types.ErrCollectionMismatch)
	}
	distance, err := fromWireDistance(params.GetDistance())
	if err != nil {
		return nil, fmt.Errorf("collection %s: %w", name, err)
	}
	return &types.CollectionInfo{
		Name:        name,
		VectorSize:  int(params.GetSize()),
		Distance:    distance,
		PointsCount: int64(info.GetPointsCount()),
		Status:      strings.ToLower(info.GetStatus().String()),
	}, nil
}

func (c *QdrantConn) CreateCollection(ctx context.Context, name string, cfg types.CollectionConfig) error {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()

	err := c.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: name,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(cfg.VectorSize),
			Distance: toWireDistance(cfg.Distance),
		}),
	})
	return qdrantErr("create collection", name, err)
}

func (c *QdrantConn) DeleteCollection(ctx context.Context, name string) error {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()

	// The high-level client turns "nothing deleted" into an opaque error
	res, err := c.client.GetCollectionsClient().Delete(ctx, &qdrant.DeleteCollection{CollectionName: name})
	if err != nil {
		return qdrantErr("delete collection", name, err)
	}
	if !res.GetResult() {
		return retry.Permanent(fmt.Errorf("%w: %s", types.ErrCollectionNotFound, name))
	}
	return nil
}

// Point operations

func (c *QdrantConn) UpsertPoints(ctx context.Context, collection string, points []types.Point) error {
	wire := make([]*qdrant.PointStruct, len(points))
	for i, p := range points {
		payload, err := toValueMap(p.Payload)
		if err != nil {
			return types.NewValidationError("payload", fmt.Sprintf("point %s: %v", p.ID, err))
		}
		wire[i] = &qdrant.PointStruct{
			Id:      toPointID(p.ID),
			Vectors: qdrant.NewVectorsDense(p.Vector),
			Payload: payload,
		}
	}

	ctx, cancel := c.callCtx(ctx)
	defer cancel()
	_, err := c.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: collection,
		Wait:           qdrant.PtrOf(true),
		Points:         wire,
	})
	return qdrantErr("upsert", collection, err)
}

func (c *QdrantConn) Search(ctx context.Context, collection string, req types.SearchRequest) ([]types.ScoredPoint, error) {
	filter, err := toWireFilter(req.Filter)
	if err != nil {
		return nil, err
	}

	ctx, cancel := c.callCtx(ctx)
	defer cancel()
	hits, err := c.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: collection,
		Query:          qdrant.NewQueryDense(req.Vector),
		Filter:         filter,
		Limit:          qdrant.PtrOf(uint64(req.Limit)),
		WithPayload:    qdrant.NewWithPayload(req.WithPayload),
	})
	if err != nil {
		return nil, qdrantErr("search", collection, err)
	}

	out := make([]types.ScoredPoint, len(hits))
	for i, h := range hits {
		out[i] = types.ScoredPoint{
			ID:      fromPointID(h.GetId()),
			Score:   float64(h.GetScore()),
			Payload: fromValueMap(h.GetPayload()),
		}
	}
	return out, nil
}

func (c *QdrantConn) Scroll(ctx context.Context, collection string, filter *types.Filter, limit int) ([]types.ScoredPoint, error) {
	wf, err := toWireFilter(filter)
	if err != nil {
		return nil, err
	}

	ctx, cancel := c.callCtx(ctx)
	defer cancel()
	points, err := c.client.Scroll(ctx, &qdrant.ScrollPoints{
		CollectionName: collection,
		Filter:         wf,
		Limit:          qdrant.PtrOf(uint32(limit)),
		WithPayload:    qdrant.NewWithPayload(true),
		WithVectors:    qdrant.NewWithVectors(false),
	})
	if err != nil {
		return nil, qdrantErr("scroll", collection, err)
	}

	out := make([]types.ScoredPoint, len(points))
	for i, p := range points {
		out[i] = types.ScoredPoint{ID: fromPointID(p.GetId()), Payload: fromValueMap(p.GetPayload())}
	}
	return out, nil
}

func (c *QdrantConn) DeletePoints(ctx context.Context, collection string, sel types.PointSelector) error {
	var selector *qdrant.PointsSelector
	switch {
	case len(sel.IDs) > 0:
		ids := make([]*qdrant.PointId, len(sel.IDs))
		for i, id := range sel.IDs {
			ids[i] = toPointID(id)
		}
		selector = qdrant.NewPointsSelectorIDs(ids)
	case !sel.Filter.IsEmpty():
		wf, err := toWireFilter(sel.Filter)
		if err != nil {
			return err
		}
		selector = qdrant.NewPointsSelectorFilter(wf)
	default:
		return types.NewValidationError("selector", "ids or filter required")
	}

	ctx, cancel := c.callCtx(ctx)
	defer cancel()
	_, err := c.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: collection,
		Wait:           qdrant.PtrOf(true),
		Points:         selector,
	})
	return qdrantErr("delete points", collection, err)
}

// Wire conversions

func toWireDistance(d types.Distance) qdrant.Distance {
	switch d {
	case types.DistanceDot:
		return qdrant.Distance_Dot
	case types.DistanceEuclidean:
		return qdrant.Distance_Euclid
	default:
		return qdrant.Distance_Cosine
	}
}

func fromWireDistance(d qdrant.Distance) (types.Distance, error) {
	switch d {
	case qdrant.Distance_Cosine:
		return types.DistanceCosine, nil
	case qdrant.Distance_Dot:
		return types.DistanceDot, nil
	case qdrant.Distance_Euclid:
		return types.DistanceEuclidean, nil
	default:
		return "", types.NewValidationError("distance", fmt.Sprintf("unsupported metric %s", d))
	}
}

// toPointID maps numeric ids to Qdrant's integer form and everything else to
// a UUID id
func toPointID(id string) *qdrant.PointId {
	if n, err := strconv.ParseUint(id, 10, 64); err == nil {
		return qdrant.NewIDNum(n)
	}
	return qdrant.NewIDUUID(id)
}

func fromPointID(id *qdrant.PointId) string {
	if u := id.GetUuid(); u != "" {
		return u
	}
	return strconv.FormatUint(id.GetNum(), 10)
}

func toWireFilter(f *types.Filter) (*qdrant.Filter, error) {
	if f.IsEmpty() {
		return nil, nil
	}
	must, err := toWireConditions(f.Must)
	if err != nil {
		return nil, err
	}
	mustNot, err := toWireConditions(f.MustNot)
	if err != nil {
		return nil, err
	}
	return &qdrant.Filter{Must: must, MustNot: mustNot}, nil
}

func toWireConditions(conds []types.FieldCondition) ([]*qdrant.Condition, error) {
	if len(conds) == 0 {
		return nil, nil
	}
	out := make([]*qdrant.Condition, 0, len(conds))
	for _, cond := range conds {
		c, err := toWireCondition(cond)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func toWireCondition(cond types.FieldCondition) (*qdrant.Condition, error) {
	if len(cond.Any) > 0 {
		switch cond.Any[0].(type) {
		case string:
			keywords := make([]string, 0, len(cond.Any))
			for _, v := range cond.Any {
				s, ok := v.(string)
				if !ok {
					return nil, types.NewValidationError("filter", fmt.Sprintf("%s: mixed value types", cond.Key))
				}
				keywords = append(keywords, s)
			}
			return qdrant.NewMatchKeywords(cond.Key, keywords...), nil
		default:
			ints := make([]int64, 0, len(cond.Any))
			for _, v := range cond.Any {
				n, ok := toInt64(v)
				if !ok {
					return nil, types.NewValidationError("filter", fmt.Sprintf("%s: unsupported value %v", cond.Key, v))
				}
				ints = append(ints, n)
			}
			return qdrant.NewMatchInts(cond.Key, ints...), nil
		}
	}

	switch v := cond.Value.(type) {
	case string:
		return qdrant.NewMatchKeyword(cond.Key, v), nil
	case bool:
		return qdrant.NewMatchBool(cond.Key, v), nil
	}
	if n, ok := toInt64(cond.Value); ok {
		return qdrant.NewMatchInt(cond.Key, n), nil
	}
	return nil, types.NewValidationError("filter", fmt.Sprintf("%s: unsupported value %v", cond.Key, cond.Value))
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		if n == float64(int64(n)) {
			return int64(n), true
		}
	}
	return 0, false
}

// toValueMap converts a payload, including the []string and nested map
// values chunks carry, into Qdrant values
func toValueMap(payload map[string]any) (map[string]*qdrant.Value, error) {
	out := make(map[string]*qdrant.Value, len(payload))
	for k, v := range payload {
		val, err := toValue(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		out[k] = val
	}
	return out, nil
}

func toValue(v any) (*qdrant.Value, error) {
	switch v := v.(type) {
	case []string:
		items := make([]*qdrant.Value, len(v))
		for i, s := range v {
			items[i] = qdrant.NewValueString(s)
		}
		return qdrant.NewValueFromList(items...), nil
	case []any:
		items := make([]*qdrant.Value, len(v))
		for i, item := range v {
			val, err := toValue(item)
			if err != nil {
				return nil, err
			}
			items[i] = val
		}
		return qdrant.NewValueFromList(items...), nil
	case map[string]any:
		fields, err := toValueMap(v)
		if err != nil {
			return nil, err
		}
		return qdrant.NewValueFromFields(fields), nil
	default:
		return qdrant.NewValue(v)
	}
}

func fromValueMap(in map[string]*qdrant.Value) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = fromValue(v)
	}
	return out
}

func fromValue(v *qdrant.Value) any {
	switch k := v.GetKind().(type) {
	case *qdrant.Value_StringValue:
		return k.StringValue
	case *qdrant.Value_IntegerValue:
		return k.IntegerValue
	case *qdrant.Value_DoubleValue:
		return k.DoubleValue
	case *qdrant.Value_BoolValue:
		return k.BoolValue
	case *qdrant.Value_StructValue:
		fields := k.StructValue.GetFields()
		out := make(map[string]any, len(fields))
		for name, f := range fields {
			out[name] = fromValue(f)
		}
		return out
	case *qdrant.Value_ListValue:
		items := k.ListValue.GetValues()
		out := make([]any, len(items))
		for i, item := range items {
			out[i] = fromValue(item)
		}
		return out
	default:
		return nil
	}
}

// qdrantErr classifies a failed call. Unavailable, DeadlineExceeded,
// ResourceExhausted and Aborted are left to the retry policy; everything
// else is permanent.
func qdrantErr(op, collection string, err error) error {
	if err == nil {
		return nil
	}

	code := status.Code(err)
	var exhausted *qdrant.QdrantResourceExhaustedError
	if errors.As(err, &exhausted) {
		code = codes.ResourceExhausted
	}
	qe := &QdrantError{Op: op, Code: code, Err: err}

	switch code {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
		return qe
	case codes.NotFound:
		if collection != "" {
			return retry.Permanent(fmt.Errorf("%w: %s: %w", types.ErrCollectionNotFound, collection, qe))
		}
	case codes.AlreadyExists:
		return fmt.Errorf("collection %s: %w: %w", collection, ErrAlreadyExists, qe)
	case codes.InvalidArgument:
		// Qdrant reports an existing collection as invalid input
		if strings.Contains(status.Convert(err).Message(), "already exists") {
			return fmt.Errorf("collection %s: %w: %w", collection, ErrAlreadyExists, qe)
		}
	}
	return retry.Permanent(qe)
}
