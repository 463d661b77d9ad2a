package indexer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/dshills/ctxengine/internal/chunker"
	"github.com/dshills/ctxengine/internal/embedder"
	"github.com/dshills/ctxengine/pkg/types"
)

// FileChangeType is the kind of a file-change event
type FileChangeType string

const (
	FileCreated FileChangeType = "create"
	FileUpdated FileChangeType = "update"
	FileDeleted FileChangeType = "delete"
)

// FileChange is an inbound file-change notification. Path is absolute or
// relative to the workspace root.
type FileChange struct {
	Type FileChangeType
	Path string
}

// Validate checks the event type and path
func (c FileChange) Validate() error {
	switch c.Type {
	case FileCreated, FileUpdated, FileDeleted:
	default:
		return types.NewValidationError("type", fmt.Sprintf("unknown change type %q", c.Type))
	}
	if c.Path == "" {
		return types.NewValidationError("path", "is required")
	}
	return nil
}

// ChangeAction says what an incremental update did
type ChangeAction string

const (
	ActionIndexed ChangeAction = "indexed"
	ActionDeleted ChangeAction = "deleted"
	ActionSkipped ChangeAction = "skipped"
)

// ChangeResult is the outcome of HandleFileChange
type ChangeResult struct {
	Path   string
	Action ChangeAction
	Chunks int
	Reason string
}

// HandleFileChange applies a single-file update synchronously, bypassing the
// worker pool. Updates run one at a time. While a session is active they are
// skipped, not queued.
func (o *Orchestrator) HandleFileChange(ctx context.Context, change FileChange) (ChangeResult, error) {
	if err := change.Validate(); err != nil {
		return ChangeResult{}, err
	}

	abs := change.Path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(o.chunker.Root(), abs)
	}
	rel, err := o.chunker.RelPath(abs)
	if err != nil {
		return ChangeResult{}, err
	}

	if err := o.writes.Acquire(ctx, 1); err != nil {
		return ChangeResult{}, err
	}
	defer o.writes.Release(1)

	// A session started after this check waits on writes before touching the collection
	if o.lock.Held() {
		o.logger.Info("file change skipped, indexing in progress", "path", rel, "type", change.Type)
		return ChangeResult{Path: rel, Action: ActionSkipped, Reason: "indexing session active"}, nil
	}

	if change.Type == FileDeleted {
		return ChangeResult{Path: rel, Action: ActionDeleted}, o.removeFile(ctx, rel)
	}

	rec, err := o.chunker.Stat(abs)
	switch {
	case errors.Is(err, chunker.ErrExcluded), errors.Is(err, fs.ErrNotExist):
		// The file is gone or no longer indexable; drop what we had for it
		return ChangeResult{Path: rel, Action: ActionDeleted, Reason: err.Error()}, o.removeFile(ctx, rel)
	case err != nil:
		return ChangeResult{}, err
	}

	res := o.processFile(ctx, rec)
	if res.err != nil {
		return ChangeResult{}, res.err
	}

	dim := 0
	if len(res.vectors) > 0 {
		dim = len(res.vectors[0])
	} else if dim, err = embedder.ResolveDimension(ctx, o.embedder); err != nil {
		return ChangeResult{}, err
	}
	if err := o.store.EnsureCollection(ctx, o.cfg.Collection, dim, o.cfg.Distance); err != nil {
		return ChangeResult{}, fmt.Errorf("ensure collection: %w", err)
	}
	if err := o.store.DeleteVectorsForFile(ctx, o.cfg.Collection, rel); err != nil {
		return ChangeResult{}, err
	}
	if err := o.store.UpsertChunks(ctx, o.cfg.Collection, res.chunks, res.vectors); err != nil {
		return ChangeResult{}, err
	}

	o.logger.Debug("file reindexed", "path", rel, "chunks", len(res.chunks))
	return ChangeResult{Path: rel, Action: ActionIndexed, Chunks: len(res.chunks)}, nil
}

// removeFile deletes a file's points; a missing collection has none
func (o *Orchestrator) removeFile(ctx context.Context, rel string) error {
	err := o.store.DeleteVectorsForFile(ctx, o.cfg.Collection, rel)
	if errors.Is(err, types.ErrCollectionNotFound) {
		return nil
	}
	if err == nil {
		o.logger.Debug("file vectors removed", "path", rel)
	}
	return err
}
