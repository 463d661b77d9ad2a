package types

import "time"

// SessionState is the state of an indexing session
type SessionState string

const (
	StateIdle      SessionState = "idle"
	StateIndexing  SessionState = "indexing"
	StatePaused    SessionState = "paused"
	StateCompleted SessionState = "completed"
	StateError     SessionState = "error"
)

// Active reports whether a session in this state holds the indexing lock
func (s SessionState) Active() bool {
	return s == StateIndexing || s == StatePaused
}

// Progress is the progress notification payload
type Progress struct {
	SessionID         string
	Status            SessionState
	PercentComplete   float64
	FilesProcessed    int
	TotalFiles        int
	ChunksIndexed     int
	ErrorsEncountered int
	TimeElapsed       time.Duration
}

// SessionError records a non-fatal error of a session
type SessionError struct {
	Path    string
	Kind    string
	Message string
	Time    time.Time
}

// IndexState is the snapshot returned by GetIndexState
type IndexState struct {
	SessionID      string
	State          SessionState
	StartedAt      time.Time
	FinishedAt     time.Time
	Cancelled      bool
	Collection     string
	FilesTotal     int
	FilesProcessed int
	FilesFailed    int
	FilesRemoved   int // Stale files pruned from the index
	ChunksProduced int
	ChunksIndexed  int
	Errors         []SessionError
	FatalError     string
}

// Progress derives the progress payload from the state snapshot
func (s IndexState) Progress() Progress {
	p := Progress{
		SessionID:         s.SessionID,
		Status:            s.State,
		FilesProcessed:    s.FilesProcessed,
		TotalFiles:        s.FilesTotal,
		ChunksIndexed:     s.ChunksIndexed,
		ErrorsEncountered: len(s.Errors),
	}
	if s.FilesTotal > 0 {
		p.PercentComplete = float64(s.FilesProcessed) / float64(s.FilesTotal) * 100
	} else if s.State == StateCompleted {
		p.PercentComplete = 100
	}
	if !s.StartedAt.IsZero() {
		end := s.FinishedAt
		if end.IsZero() {
			end = time.Now()
		}
		p.TimeElapsed = end.Sub(s.StartedAt)
	}
	return p
}
