package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dshills/ctxengine/pkg/types"
)

// StatusGreen is reported for every collection of the embedded backend
const StatusGreen = "green"

// SQLiteStorage implements the Storage interface using SQLite
type SQLiteStorage struct {
	db *sql.DB
}

// openDatabase opens a SQLite database with appropriate settings
func openDatabase(dbPath string) (*sql.DB, error) {
	if dbPath != ":memory:" && !strings.HasPrefix(dbPath, "file:") {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open(DriverName, dbPath)
	if err != nil {
		return nil, err
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// SQLite benefits from a single writer; pooled vector store connections
	// are lightweight handles over this one *sql.DB.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return db, nil
}

// NewSQLiteStorage opens (or creates) the database at dbPath and applies
// pending migrations.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	db, err := openDatabase(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := ApplyMigrations(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	return &SQLiteStorage{db: db}, nil
}

// Close closes the database connection
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// Ping verifies the database answers queries
func (s *SQLiteStorage) Ping(ctx context.Context) error {
	var one int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}
	return nil
}

// querier is an interface that both *sql.DB and *sql.Tx implement
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Collection operations

func (s *SQLiteStorage) ListCollections(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM collections ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("failed to list collections: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *SQLiteStorage) GetCollection(ctx context.Context, name string) (*types.CollectionInfo, error) {
	info, err := getCollectionWithQuerier(ctx, s.db, name)
	if err != nil {
		return nil, err
	}

	count, err := s.CountPoints(ctx, name)
	if err != nil {
		return nil, err
	}
	info.PointsCount = count
	return info, nil
}

// getCollectionWithQuerier reads the collection definition without counting points
func getCollectionWithQuerier(ctx context.Context, q querier, name string) (*types.CollectionInfo, error) {
	info := &types.CollectionInfo{Name: name, Status: StatusGreen}
	var distance string
	err := q.QueryRowContext(ctx,
		"SELECT vector_size, distance FROM collections WHERE name = ?", name).Scan(&info.VectorSize, &distance)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", types.ErrCollectionNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get collection: %w", err)
	}
	info.Distance = types.Distance(distance)
	return info, nil
}

func (s *SQLiteStorage) CreateCollection(ctx context.Context, name string, cfg types.CollectionConfig) error {
	if cfg.VectorSize <= 0 {
		return types.NewValidationError("vectorSize", "must be positive")
	}
	distance, err := types.ParseDistance(string(cfg.Distance))
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO collections (name, vector_size, distance)
		VALUES (?, ?, ?)
		ON CONFLICT(name) DO NOTHING
	`, name, cfg.VectorSize, string(distance))
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("collection %s: %w", name, ErrAlreadyExists)
	}
	return nil
}

func (s *SQLiteStorage) DeleteCollection(ctx context.Context, name string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM points WHERE collection = ?", name); err != nil {
		return fmt.Errorf("failed to delete points: %w", err)
	}
	result, err := tx.ExecContext(ctx, "DELETE FROM collections WHERE name = ?", name)
	if err != nil {
		return fmt.Errorf("failed to delete collection: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", types.ErrCollectionNotFound, name)
	}
	return tx.Commit()
}

// Point operations

// UpsertPoints writes all points in one transaction. Every vector must match
// the collection dimension.
func (s *SQLiteStorage) UpsertPoints(ctx context.Context, collection string, points []types.Point) error {
	if len(points) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	info, err := getCollectionWithQuerier(ctx, tx, collection)
	if err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO points (collection, id, vector, payload, file_path, updated_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(collection, id) DO UPDATE SET
			vector = excluded.vector,
			payload = excluded.payload,
			file_path = excluded.file_path,
			updated_at = excluded.updated_at
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare upsert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for i, p := range points {
		if p.ID == "" {
			return types.NewValidationError(fmt.Sprintf("points[%d].id", i), "must not be empty")
		}
		if len(p.Vector) != info.VectorSize {
			return types.NewValidationError(fmt.Sprintf("points[%d].vector", i),
				fmt.Sprintf("dimension %d does not match collection dimension %d", len(p.Vector), info.VectorSize))
		}

		payload, err := encodePayload(p.Payload)
		if err != nil {
			return fmt.Errorf("point %s: %w", p.ID, err)
		}

		var filePath sql.NullString
		if fp, ok := p.Payload[types.PayloadFilePath].(string); ok {
			filePath = sql.NullString{String: fp, Valid: true}
		}

		if _, err := stmt.ExecContext(ctx, collection, p.ID, serializeVector(p.Vector), payload, filePath); err != nil {
			return fmt.Errorf("failed to upsert point %s: %w", p.ID, err)
		}
	}

	return tx.Commit()
}

// DeletePoints removes points by id or by payload filter and returns the
// number of rows deleted.
func (s *SQLiteStorage) DeletePoints(ctx context.Context, collection string, sel types.PointSelector) (int64, error) {
	if len(sel.IDs) == 0 && sel.Filter.IsEmpty() {
		return 0, types.NewValidationError("selector", "ids or filter required")
	}

	query := "DELETE FROM points WHERE collection = ?"
	args := []any{collection}

	if len(sel.IDs) > 0 {
		query += " AND id IN (" + placeholders(len(sel.IDs)) + ")"
		for _, id := range sel.IDs {
			args = append(args, id)
		}
	}

	clause, filterArgs, err := buildFilterClause(sel.Filter)
	if err != nil {
		return 0, err
	}
	query += clause
	args = append(args, filterArgs...)

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete points: %w", err)
	}
	return result.RowsAffected()
}

// CountPoints returns the number of points stored in a collection
func (s *SQLiteStorage) CountPoints(ctx context.Context, collection string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM points WHERE collection = ?", collection).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count points: %w", err)
	}
	return count, nil
}

// Search operations

// Search scores every point of the collection that matches the filter against
// the query vector. Scores follow the collection metric: cosine similarity,
// dot product, or euclidean distance (ascending).
func (s *SQLiteStorage) Search(ctx context.Context, collection string, req types.SearchRequest) ([]types.ScoredPoint, error) {
	if req.Limit <= 0 {
		return nil, types.NewValidationError("limit", "must be positive")
	}

	info, err := getCollectionWithQuerier(ctx, s.db, collection)
	if err != nil {
		return nil, err
	}
	if len(req.Vector) != info.VectorSize {
		return nil, types.NewValidationError("vector",
			fmt.Sprintf("dimension %d does not match collection dimension %d", len(req.Vector), info.VectorSize))
	}

	return searchVector(ctx, s.db, collection, info.Distance, req)
}

// Scroll returns up to limit points that match the filter, ordered by id.
// Scores are zero.
func (s *SQLiteStorage) Scroll(ctx context.Context, collection string, filter *types.Filter, limit int) ([]types.ScoredPoint, error) {
	if limit <= 0 {
		return nil, types.NewValidationError("limit", "must be positive")
	}
	if _, err := getCollectionWithQuerier(ctx, s.db, collection); err != nil {
		return nil, err
	}

	clause, args, err := buildFilterClause(filter)
	if err != nil {
		return nil, err
	}

	query := "SELECT id, payload FROM points WHERE collection = ?" + clause + " ORDER BY id LIMIT ?"
	args = append([]any{collection}, args...)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to scroll points: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var results []types.ScoredPoint
	for rows.Next() {
		var (
			id      string
			payload string
		)
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, err
		}
		decoded, err := decodePayload(payload)
		if err != nil {
			return nil, fmt.Errorf("point %s: %w", id, err)
		}
		results = append(results, types.ScoredPoint{ID: id, Payload: decoded})
	}
	return results, rows.Err()
}

func encodePayload(payload map[string]any) (string, error) {
	if payload == nil {
		return "{}", nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode payload: %w", err)
	}
	return string(data), nil
}

func decodePayload(raw string) (map[string]any, error) {
	payload := make(map[string]any)
	if raw == "" {
		return payload, nil
	}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}
	return payload, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
