package storage

import (
	"context"
	"errors"

	"github.com/dshills/ctxengine/pkg/types"
)

var (
	// ErrAlreadyExists is returned when creating a collection that exists
	ErrAlreadyExists = errors.New("already exists")
)

// Storage is the embedded vector backend. It stores named collections of
// fixed-dimension points with JSON payloads and scores them against a query
// vector.
type Storage interface {
	// Collection operations
	ListCollections(ctx context.Context) ([]string, error)
	GetCollection(ctx context.Context, name string) (*types.CollectionInfo, error)
	CreateCollection(ctx context.Context, name string, cfg types.CollectionConfig) error
	DeleteCollection(ctx context.Context, name string) error

	// Point operations
	UpsertPoints(ctx context.Context, collection string, points []types.Point) error
	DeletePoints(ctx context.Context, collection string, sel types.PointSelector) (int64, error)
	CountPoints(ctx context.Context, collection string) (int64, error)

	// Search operations
	Search(ctx context.Context, collection string, req types.SearchRequest) ([]types.ScoredPoint, error)
	Scroll(ctx context.Context, collection string, filter *types.Filter, limit int) ([]types.ScoredPoint, error)

	// Database operations
	Ping(ctx context.Context) error
	Close() error
}
