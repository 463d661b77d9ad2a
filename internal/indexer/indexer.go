package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/dshills/ctxengine/internal/chunker"
	"github.com/dshills/ctxengine/internal/embedder"
	"github.com/dshills/ctxengine/pkg/types"
)

// Store is the subset of the vector store client the orchestrator writes through
type Store interface {
	EnsureCollection(ctx context.Context, name string, vectorSize int, distance types.Distance) error
	UpsertChunks(ctx context.Context, collection string, chunks []*types.Chunk, vectors [][]float32) error
	DeleteVectorsForFile(ctx context.Context, collection, path string) error
	PruneFiles(ctx context.Context, collection string, keep []string) ([]string, error)
	DeleteCollection(ctx context.Context, name string) error
}

// Config holds orchestrator settings
type Config struct {
	Collection     string
	Distance       types.Distance
	MaxWorkers     int // 0 means no cap beyond NumCPU-1
	EmbedBatchSize int // 0 uses the provider maximum
}

// StateChange is emitted whenever a session moves between states
type StateChange struct {
	SessionID string
	From      types.SessionState
	To        types.SessionState
	Full      bool // The session rebuilds the collection from scratch
	Time      time.Time
}

// WorkerCount returns the number of workers for a session: CPU cores minus
// one, at least one, capped by maxWorkers when positive and by the file count.
func WorkerCount(maxWorkers, files int) int {
	n := max(runtime.NumCPU()-1, 1)
	if maxWorkers > 0 && n > maxWorkers {
		n = maxWorkers
	}
	if files > 0 && n > files {
		n = files
	}
	return n
}

type commandKind int

const (
	cmdPause commandKind = iota
	cmdResume
	cmdCancel
)

type command struct {
	kind  commandKind
	reply chan error
}

// session is one run of the state machine. state is written only by the
// session's control goroutine, under Orchestrator.mu.
type session struct {
	state      types.IndexState
	full       bool
	flushing   bool
	discovered []string // Relative paths returned by discovery
	gate     *gate
	ctrl     chan command
	done     chan struct{}
	cancel   context.CancelFunc
}

// fileResult is what a worker sends back for one file
type fileResult struct {
	path    string
	chunks  []*types.Chunk
	vectors [][]float32
	err     error
}

type prepared struct {
	files []types.FileRecord
	err   error
}

type flushed struct {
	indexed int
	removed int
	errs    []types.SessionError
}

// Orchestrator drives indexing sessions: discovery, a worker pool running
// chunk and embed per file, aggregation on a single control goroutine and a
// final flush to the vector store.
type Orchestrator struct {
	chunker  *chunker.Chunker
	embedder embedder.Embedder
	store    Store
	cfg      Config
	logger   *slog.Logger

	// lock is held by a session from start to finish. writes serializes
	// incremental updates and lets a new session wait for the one in flight.
	lock   sessionLock
	writes *semaphore.Weighted

	mu      sync.RWMutex
	current *session
	last    *types.IndexState

	listenersMu sync.RWMutex
	nextID      int
	progressFns map[int]func(types.Progress)
	stateFns    map[int]func(StateChange)
}

// New creates an orchestrator
func New(ch *chunker.Chunker, emb embedder.Embedder, store Store, cfg Config, logger *slog.Logger) (*Orchestrator, error) {
	if ch == nil || emb == nil || store == nil {
		return nil, errors.New("indexer: chunker, embedder and store are required")
	}
	if cfg.Collection == "" {
		return nil, types.NewValidationError("collection", "is required")
	}
	if cfg.Distance == "" {
		cfg.Distance = types.DistanceCosine
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		chunker:     ch,
		embedder:    emb,
		store:       store,
		cfg:         cfg,
		logger:      logger,
		writes:      semaphore.NewWeighted(1),
		progressFns: make(map[int]func(types.Progress)),
		stateFns:    make(map[int]func(StateChange)),
	}, nil
}

// OnProgress registers a progress listener. The returned func removes it.
func (o *Orchestrator) OnProgress(fn func(types.Progress)) func() {
	o.listenersMu.Lock()
	defer o.listenersMu.Unlock()
	id := o.nextID
	o.nextID++
	o.progressFns[id] = fn
	return func() {
		o.listenersMu.Lock()
		delete(o.progressFns, id)
		o.listenersMu.Unlock()
	}
}

// OnStateChange registers a state-change listener. The returned func removes it.
func (o *Orchestrator) OnStateChange(fn func(StateChange)) func() {
	o.listenersMu.Lock()
	defer o.listenersMu.Unlock()
	id := o.nextID
	o.nextID++
	o.stateFns[id] = fn
	return func() {
		o.listenersMu.Lock()
		delete(o.stateFns, id)
		o.listenersMu.Unlock()
	}
}

func (o *Orchestrator) emitProgress(p types.Progress) {
	o.listenersMu.RLock()
	defer o.listenersMu.RUnlock()
	for _, fn := range o.progressFns {
		fn(p)
	}
}

func (o *Orchestrator) emitState(ev StateChange) {
	o.listenersMu.RLock()
	defer o.listenersMu.RUnlock()
	for _, fn := range o.stateFns {
		fn(ev)
	}
}

// StartIndexing begins a session over the whole workspace and returns its id.
// It fails with types.ErrIndexingInProgress while another session is active.
func (o *Orchestrator) StartIndexing(ctx context.Context) (string, error) {
	return o.start(ctx, false)
}

// TriggerFullReindex drops the collection and indexes the workspace from scratch
func (o *Orchestrator) TriggerFullReindex(ctx context.Context) (string, error) {
	return o.start(ctx, true)
}

func (o *Orchestrator) start(ctx context.Context, full bool) (string, error) {
	if !o.lock.TryAcquire() {
		return "", types.ErrIndexingInProgress
	}

	// The session outlives the request that started it
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &session{
		state: types.IndexState{
			SessionID:  uuid.NewString(),
			State:      types.StateIndexing,
			StartedAt:  time.Now(),
			Collection: o.cfg.Collection,
		},
		full:   full,
		gate:   newGate(),
		ctrl:   make(chan command),
		done:   make(chan struct{}),
		cancel: cancel,
	}

	o.mu.Lock()
	o.current = s
	o.mu.Unlock()

	o.logger.Info("indexing session started",
		"session_id", s.state.SessionID,
		"collection", o.cfg.Collection,
		"full_reindex", full)
	o.emitState(StateChange{SessionID: s.state.SessionID, From: types.StateIdle, To: types.StateIndexing, Full: full, Time: s.state.StartedAt})

	go o.run(runCtx, s)
	return s.state.SessionID, nil
}

// PauseIndexing stops workers from starting new files. Files in flight finish.
func (o *Orchestrator) PauseIndexing() error {
	return o.send(cmdPause)
}

// ResumeIndexing continues a paused session with the remaining files
func (o *Orchestrator) ResumeIndexing() error {
	return o.send(cmdResume)
}

// CancelIndexing stops the session after the files in flight. Results that
// were already produced are still written.
func (o *Orchestrator) CancelIndexing() error {
	return o.send(cmdCancel)
}

func (o *Orchestrator) send(kind commandKind) error {
	o.mu.RLock()
	s := o.current
	o.mu.RUnlock()
	if s == nil {
		return types.ErrNoActiveSession
	}

	cmd := command{kind: kind, reply: make(chan error, 1)}
	select {
	case s.ctrl <- cmd:
		return <-cmd.reply
	case <-s.done:
		return types.ErrNoActiveSession
	}
}

// Wait blocks until the active session, if any, has finished
func (o *Orchestrator) Wait(ctx context.Context) error {
	o.mu.RLock()
	s := o.current
	o.mu.RUnlock()
	if s == nil {
		return nil
	}
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetIndexState returns the active session, else the last finished one,
// else an idle state
func (o *Orchestrator) GetIndexState() types.IndexState {
	o.mu.RLock()
	defer o.mu.RUnlock()
	switch {
	case o.current != nil:
		return cloneState(o.current.state)
	case o.last != nil:
		return cloneState(*o.last)
	default:
		return types.IndexState{State: types.StateIdle, Collection: o.cfg.Collection}
	}
}

// Close cancels any active session and waits for it to end
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.RLock()
	s := o.current
	o.mu.RUnlock()
	if s == nil {
		return nil
	}
	s.gate.cancel()
	s.cancel()
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func cloneState(st types.IndexState) types.IndexState {
	st.Errors = append([]types.SessionError(nil), st.Errors...)
	return st
}

// run is the control goroutine: the only writer of s.state
func (o *Orchestrator) run(ctx context.Context, s *session) {
	defer s.cancel()

	prep := make(chan prepared, 1)
	go func() {
		files, err := o.prepare(ctx, s)
		prep <- prepared{files: files, err: err}
	}()

	var (
		results <-chan fileResult
		batch   accumulator
	)
loop:
	for {
		select {
		case p := <-prep:
			prep = nil
			if p.err != nil {
				o.finish(s, p.err)
				return
			}
			s.discovered = make([]string, len(p.files))
			for i, f := range p.files {
				s.discovered[i] = f.RelPath
			}
			o.update(s, func(st *types.IndexState) { st.FilesTotal = len(p.files) })
			results = o.startWorkers(ctx, s, p.files)

		case res, ok := <-results:
			if !ok {
				break loop
			}
			o.aggregate(s, res, &batch)

		case cmd := <-s.ctrl:
			cmd.reply <- o.handle(s, cmd)
		}
	}

	o.mu.Lock()
	s.flushing = true
	o.mu.Unlock()

	fl := make(chan flushed, 1)
	go func() { fl <- o.flush(ctx, s, &batch) }()
	for {
		select {
		case f := <-fl:
			o.update(s, func(st *types.IndexState) {
				st.ChunksIndexed = f.indexed
				st.FilesRemoved = f.removed
				st.Errors = append(st.Errors, f.errs...)
			})
			o.finish(s, nil)
			return
		case cmd := <-s.ctrl:
			cmd.reply <- o.handle(s, cmd)
		}
	}
}

// prepare resolves the embedding dimension, makes sure the collection exists
// and discovers the files. Any error here is fatal to the session.
func (o *Orchestrator) prepare(ctx context.Context, s *session) ([]types.FileRecord, error) {
	// An incremental update may still be writing; let it land first
	if err := o.writes.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("wait for pending file update: %w", err)
	}
	o.writes.Release(1)

	dim, err := embedder.ResolveDimension(ctx, o.embedder)
	if err != nil {
		return nil, fmt.Errorf("resolve embedding dimension: %w", err)
	}
	if s.full {
		if err := o.store.DeleteCollection(ctx, o.cfg.Collection); err != nil && !errors.Is(err, types.ErrCollectionNotFound) {
			return nil, fmt.Errorf("drop collection: %w", err)
		}
	}
	if err := o.store.EnsureCollection(ctx, o.cfg.Collection, dim, o.cfg.Distance); err != nil {
		return nil, fmt.Errorf("ensure collection: %w", err)
	}

	files, stats, err := o.chunker.Discover(ctx)
	if err != nil {
		return nil, fmt.Errorf("discover files: %w", err)
	}
	o.logger.Info("discovered files",
		"session_id", s.state.SessionID,
		"accepted", stats.Accepted,
		"excluded", stats.Excluded,
		"binary", stats.Binary,
		"too_large", stats.TooLarge,
		"unreadable", stats.Errors)
	return files, nil
}

// startWorkers fans the files out to the worker pool. The returned channel
// is closed once every worker has exited.
func (o *Orchestrator) startWorkers(ctx context.Context, s *session, files []types.FileRecord) <-chan fileResult {
	tasks := make(chan types.FileRecord, len(files))
	for _, f := range files {
		tasks <- f
	}
	close(tasks)

	results := make(chan fileResult)
	workers := WorkerCount(o.cfg.MaxWorkers, len(files))
	o.logger.Debug("starting workers", "session_id", s.state.SessionID, "workers", workers, "files", len(files))

	var g errgroup.Group
	for range workers {
		g.Go(func() error {
			for s.gate.wait(ctx) {
				rec, ok := <-tasks
				if !ok {
					return nil
				}
				results <- o.processFile(ctx, rec)
			}
			return nil
		})
	}
	go func() {
		_ = g.Wait()
		close(results)
	}()
	return results
}

// processFile runs chunk and embed for one file. A panic becomes a
// types.ErrWorkerFailure result for that file only.
func (o *Orchestrator) processFile(ctx context.Context, rec types.FileRecord) (res fileResult) {
	res.path = rec.RelPath
	defer func() {
		if r := recover(); r != nil {
			res = fileResult{path: rec.RelPath, err: fmt.Errorf("%w: %s: %v", types.ErrWorkerFailure, rec.RelPath, r)}
		}
	}()

	chunks, err := o.chunker.ChunkFile(rec)
	if err != nil {
		res.err = err
		return res
	}
	if len(chunks) == 0 {
		return res
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}
	vectors, err := embedder.EmbedAll(ctx, o.embedder, texts, o.cfg.EmbedBatchSize)
	if err != nil {
		res.err = fmt.Errorf("embed %s: %w", rec.RelPath, err)
		return res
	}
	for i, c := range chunks {
		c.Embedding = vectors[i]
	}
	res.chunks, res.vectors = chunks, vectors
	return res
}

// accumulator collects successful file results until the flush
type accumulator struct {
	paths   []string
	chunks  []*types.Chunk
	vectors [][]float32
}

func (a *accumulator) add(res fileResult) {
	a.paths = append(a.paths, res.path)
	a.chunks = append(a.chunks, res.chunks...)
	a.vectors = append(a.vectors, res.vectors...)
}

func (o *Orchestrator) aggregate(s *session, res fileResult, batch *accumulator) {
	if res.err != nil {
		o.logger.Warn("file failed", "session_id", s.state.SessionID, "path", res.path, "error", res.err)
	} else {
		batch.add(res)
	}

	o.update(s, func(st *types.IndexState) {
		st.FilesProcessed++
		if res.err != nil {
			st.FilesFailed++
			st.Errors = append(st.Errors, sessionError(res.path, res.err))
			return
		}
		st.ChunksProduced += len(res.chunks)
		st.ChunksIndexed += len(res.chunks)
	})
}

// flush writes the accumulated results. Each file's previous points are
// removed first so a shrinking file leaves no stale chunks, and files that
// discovery no longer returns are pruned.
func (o *Orchestrator) flush(ctx context.Context, s *session, batch *accumulator) flushed {
	var f flushed
	if !s.full {
		o.prune(ctx, s, &f)
	}
	if len(batch.paths) == 0 {
		return f
	}
	if !s.full {
		for _, path := range batch.paths {
			if err := o.store.DeleteVectorsForFile(ctx, o.cfg.Collection, path); err != nil {
				f.errs = append(f.errs, sessionError(path, err))
			}
		}
	}

	err := o.store.UpsertChunks(ctx, o.cfg.Collection, batch.chunks, batch.vectors)
	if err == nil {
		f.indexed = len(batch.chunks)
		return f
	}

	var be interface{ CommittedPoints() int }
	if errors.As(err, &be) {
		f.indexed = be.CommittedPoints()
	}
	o.logger.Error("flush failed",
		"session_id", s.state.SessionID,
		"chunks", len(batch.chunks),
		"committed", f.indexed,
		"error", err)
	f.errs = append(f.errs, sessionError("", err))
	return f
}

func (o *Orchestrator) prune(ctx context.Context, s *session, f *flushed) {
	removed, err := o.store.PruneFiles(ctx, o.cfg.Collection, s.discovered)
	f.removed = len(removed)
	if err != nil {
		o.logger.Warn("prune failed", "session_id", s.state.SessionID, "pruned", f.removed, "error", err)
		f.errs = append(f.errs, sessionError("", fmt.Errorf("prune removed files: %w", err)))
		return
	}
	if f.removed > 0 {
		o.logger.Info("pruned removed files", "session_id", s.state.SessionID, "files", f.removed)
	}
}

func (o *Orchestrator) handle(s *session, cmd command) error {
	o.mu.RLock()
	state, flushing := s.state.State, s.flushing
	o.mu.RUnlock()

	switch cmd.kind {
	case cmdPause:
		// Nothing left to pause once the results are being written
		if state == types.StateIndexing && !flushing {
			s.gate.pause()
			o.transition(s, types.StatePaused)
		}
	case cmdResume:
		if state == types.StatePaused {
			s.gate.resume()
			o.transition(s, types.StateIndexing)
		}
	case cmdCancel:
		s.gate.cancel()
		if state == types.StatePaused {
			o.transition(s, types.StateIndexing)
		}
		o.update(s, func(st *types.IndexState) { st.Cancelled = true })
		o.logger.Info("indexing session cancelled", "session_id", s.state.SessionID)
	}
	return nil
}

// update mutates the session state and notifies progress listeners
func (o *Orchestrator) update(s *session, fn func(st *types.IndexState)) {
	o.mu.Lock()
	fn(&s.state)
	p := s.state.Progress()
	o.mu.Unlock()
	o.emitProgress(p)
}

func (o *Orchestrator) transition(s *session, to types.SessionState) {
	o.mu.Lock()
	from := s.state.State
	s.state.State = to
	id := s.state.SessionID
	o.mu.Unlock()

	o.logger.Info("indexing state changed", "session_id", id, "from", from, "to", to)
	o.emitState(StateChange{SessionID: id, From: from, To: to, Full: s.full, Time: time.Now()})
}

func (o *Orchestrator) finish(s *session, fatal error) {
	o.mu.Lock()
	from := s.state.State
	s.state.FinishedAt = time.Now()
	if fatal != nil {
		s.state.State = types.StateError
		s.state.FatalError = fatal.Error()
	} else {
		s.state.State = types.StateCompleted
	}
	final := cloneState(s.state)
	o.last = &final
	o.current = nil
	o.mu.Unlock()

	o.lock.Release()

	if fatal != nil {
		o.logger.Error("indexing session failed", "session_id", final.SessionID, "error", fatal)
	} else {
		p := final.Progress()
		o.logger.Info("indexing session finished",
			"session_id", final.SessionID,
			"files", final.FilesProcessed,
			"failed", final.FilesFailed,
			"chunks", final.ChunksIndexed,
			"cancelled", final.Cancelled,
			"elapsed", p.TimeElapsed)
	}
	o.emitProgress(final.Progress())
	o.emitState(StateChange{SessionID: final.SessionID, From: from, To: final.State, Full: s.full, Time: final.FinishedAt})
	close(s.done)
}

// sessionError classifies a per-file error for the session report
func sessionError(path string, err error) types.SessionError {
	kind := "other"
	switch {
	case errors.Is(err, types.ErrWorkerFailure):
		kind = "worker_failure"
	case errors.Is(err, types.ErrFileProcessing):
		kind = "file_processing"
	case errors.Is(err, types.ErrProvider):
		kind = "provider"
	case errors.Is(err, types.ErrConnectivity):
		kind = "connectivity"
	case errors.Is(err, types.ErrValidation):
		kind = "validation"
	}
	return types.SessionError{Path: path, Kind: kind, Message: err.Error(), Time: time.Now()}
}
