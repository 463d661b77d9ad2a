package storage

import (
	"context"
	"math"
	"testing"

	"github.com/dshills/ctxengine/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerializeVector(t *testing.T) {
	v := []float32{0, 1.5, -2.25, math.MaxFloat32}
	blob := serializeVector(v)
	assert.Len(t, blob, 16)
	assert.Equal(t, v, deserializeVector(blob))
}

func TestScore(t *testing.T) {
	a := []float32{1, 0}
	b := []float32{0, 1}

	assert.InDelta(t, 1.0, score(types.DistanceCosine, a, a), 1e-9)
	assert.InDelta(t, 0.0, score(types.DistanceCosine, a, b), 1e-9)
	assert.InDelta(t, 0.0, score(types.DistanceCosine, a, []float32{0, 0}), 1e-9)
	assert.InDelta(t, 2.0, score(types.DistanceDot, []float32{1, 1}, []float32{1, 1}), 1e-9)
	assert.InDelta(t, math.Sqrt2, score(types.DistanceEuclidean, a, b), 1e-9)
}

func TestSearch_RoundTrip(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	setupCollection(t, s, "code", 3, types.DistanceCosine)

	require.NoError(t, s.UpsertPoints(ctx, "code", []types.Point{
		point("a", "a.go", 1, 0, 0),
		point("b", "b.go", 0.6, 0.8, 0),
		point("c", "c.go", 0, 0, 1),
	}))

	hits, err := s.Search(ctx, "code", types.SearchRequest{Vector: []float32{1, 0, 0}, Limit: 2, WithPayload: true})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "a", hits[0].ID)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-6)
	assert.Equal(t, "a.go", hits[0].PayloadString(types.PayloadFilePath))
	assert.Equal(t, "b", hits[1].ID)
	assert.InDelta(t, 0.6, hits[1].Score, 1e-6)
}

func TestSearch_WithoutPayload(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	setupCollection(t, s, "code", 2, types.DistanceCosine)
	require.NoError(t, s.UpsertPoints(ctx, "code", []types.Point{point("a", "a.go", 1, 0)}))

	hits, err := s.Search(ctx, "code", types.SearchRequest{Vector: []float32{1, 0}, Limit: 1})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Nil(t, hits[0].Payload)
}

func TestSearch_Filter(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	setupCollection(t, s, "code", 2, types.DistanceCosine)

	py := point("p", "x.py", 1, 0)
	py.Payload[types.PayloadLanguage] = "python"
	require.NoError(t, s.UpsertPoints(ctx, "code", []types.Point{point("g", "x.go", 1, 0), py}))

	hits, err := s.Search(ctx, "code", types.SearchRequest{
		Vector:      []float32{1, 0},
		Limit:       10,
		Filter:      types.MatchField(types.PayloadLanguage, "python"),
		WithPayload: true,
	})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "p", hits[0].ID)
}

func TestSearch_Euclidean(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	setupCollection(t, s, "code", 2, types.DistanceEuclidean)

	require.NoError(t, s.UpsertPoints(ctx, "code", []types.Point{
		point("far", "far.go", 10, 10),
		point("near", "near.go", 1, 1),
	}))

	hits, err := s.Search(ctx, "code", types.SearchRequest{Vector: []float32{1, 1}, Limit: 2})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "near", hits[0].ID)
	assert.InDelta(t, 0.0, hits[0].Score, 1e-9)
}

func TestSearch_Validation(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	setupCollection(t, s, "code", 2, types.DistanceCosine)

	_, err := s.Search(ctx, "code", types.SearchRequest{Vector: []float32{1, 0}, Limit: 0})
	assert.ErrorIs(t, err, types.ErrValidation)

	_, err = s.Search(ctx, "code", types.SearchRequest{Vector: []float32{1, 0, 0}, Limit: 1})
	assert.ErrorIs(t, err, types.ErrValidation)

	_, err = s.Search(ctx, "missing", types.SearchRequest{Vector: []float32{1, 0}, Limit: 1})
	assert.ErrorIs(t, err, types.ErrCollectionNotFound)
}

func TestBuildFilterClause(t *testing.T) {
	clause, args, err := buildFilterClause(nil)
	require.NoError(t, err)
	assert.Empty(t, clause)
	assert.Empty(t, args)

	clause, args, err = buildFilterClause(&types.Filter{Must: []types.FieldCondition{
		{Key: types.PayloadFilePath, Value: "a.go"},
		{Key: "metadata.kind", Any: []any{"x", true}},
	}})
	require.NoError(t, err)
	assert.Equal(t, " AND file_path = ? AND json_extract(payload, ?) IN (?,?)", clause)
	assert.Equal(t, []any{"a.go", "$.metadata.kind", "x", 1}, args)

	clause, args, err = buildFilterClause(&types.Filter{
		Must:    []types.FieldCondition{{Key: types.PayloadLanguage, Value: "go"}},
		MustNot: []types.FieldCondition{{Key: types.PayloadFilePath, Any: []any{"a.go", "b.go"}}},
	})
	require.NoError(t, err)
	assert.Equal(t, " AND json_extract(payload, ?) = ? AND file_path NOT IN (?,?)", clause)
	assert.Equal(t, []any{"$.language", "go", "a.go", "b.go"}, args)

	_, _, err = buildFilterClause(types.MatchField("x); DROP TABLE points; --", 1))
	assert.ErrorIs(t, err, types.ErrValidation)

	_, _, err = buildFilterClause(&types.Filter{Must: []types.FieldCondition{{Key: "language"}}})
	assert.ErrorIs(t, err, types.ErrValidation)
}
