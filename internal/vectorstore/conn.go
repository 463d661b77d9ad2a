package vectorstore

import (
	"context"

	"github.com/dshills/ctxengine/internal/pool"
	"github.com/dshills/ctxengine/internal/storage"
	"github.com/dshills/ctxengine/pkg/types"
)

// Conn is one pooled connection to a vector database backend
type Conn interface {
	Ping(ctx context.Context) error
	Close() error

	ListCollections(ctx context.Context) ([]string, error)
	GetCollection(ctx context.Context, name string) (*types.CollectionInfo, error)
	CreateCollection(ctx context.Context, name string, cfg types.CollectionConfig) error
	DeleteCollection(ctx context.Context, name string) error

	UpsertPoints(ctx context.Context, collection string, points []types.Point) error
	Search(ctx context.Context, collection string, req types.SearchRequest) ([]types.ScoredPoint, error)
	Scroll(ctx context.Context, collection string, filter *types.Filter, limit int) ([]types.ScoredPoint, error)
	DeletePoints(ctx context.Context, collection string, sel types.PointSelector) error
}

// sqliteConn is a lightweight handle over a shared embedded store. Closing
// it leaves the store open; the owner of the store closes it.
type sqliteConn struct {
	store storage.Storage
}

// NewSQLiteDialer returns a dialer whose connections share store
func NewSQLiteDialer(store storage.Storage) pool.Dialer[Conn] {
	return func(ctx context.Context) (Conn, error) {
		c := &sqliteConn{store: store}
		if err := c.Ping(ctx); err != nil {
			return nil, err
		}
		return c, nil
	}
}

func (c *sqliteConn) Ping(ctx context.Context) error { return c.store.Ping(ctx) }
func (c *sqliteConn) Close() error                   { return nil }

func (c *sqliteConn) ListCollections(ctx context.Context) ([]string, error) {
	return c.store.ListCollections(ctx)
}

func (c *sqliteConn) GetCollection(ctx context.Context, name string) (*types.CollectionInfo, error) {
	return c.store.GetCollection(ctx, name)
}

func (c *sqliteConn) CreateCollection(ctx context.Context, name string, cfg types.CollectionConfig) error {
	return c.store.CreateCollection(ctx, name, cfg)
}

func (c *sqliteConn) DeleteCollection(ctx context.Context, name string) error {
	return c.store.DeleteCollection(ctx, name)
}

func (c *sqliteConn) UpsertPoints(ctx context.Context, collection string, points []types.Point) error {
	return c.store.UpsertPoints(ctx, collection, points)
}

func (c *sqliteConn) Search(ctx context.Context, collection string, req types.SearchRequest) ([]types.ScoredPoint, error) {
	return c.store.Search(ctx, collection, req)
}

func (c *sqliteConn) Scroll(ctx context.Context, collection string, filter *types.Filter, limit int) ([]types.ScoredPoint, error) {
	return c.store.Scroll(ctx, collection, filter, limit)
}

func (c *sqliteConn) DeletePoints(ctx context.Context, collection string, sel types.PointSelector) error {
	_, err := c.store.DeletePoints(ctx, collection, sel)
	return err
}
