package types

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ChunkType is the heuristic structural tag of a chunk
type ChunkType string

const (
	ChunkFunction ChunkType = "function"
	ChunkClass    ChunkType = "class"
	ChunkImport   ChunkType = "import"
	ChunkExport   ChunkType = "export"
	ChunkComment  ChunkType = "comment"
	ChunkBlock    ChunkType = "block"
)

// chunkNamespace seeds deterministic chunk ids (UUIDv5)
var chunkNamespace = uuid.MustParse("6f1c3a52-8d0e-4c1b-9a57-3f2d8e4b7c10")

// FileRecord describes a file accepted by discovery. It is immutable for the
// duration of a scan and superseded on the next one.
type FileRecord struct {
	Path     string // Absolute path
	RelPath  string // Slash separated, relative to the workspace root
	Size     int64
	ModTime  time.Time
	Language string
	Binary   bool
}

// Chunk represents a bounded, possibly overlapping slice of a file
type Chunk struct {
	// Identification
	ID     string
	FileID string // Relative path of the owning file
	Index  int    // Ordinal within the file

	// Content
	Content     string
	ContentHash [32]byte
	Size        int

	// Location
	StartLine int
	EndLine   int

	// Metadata
	ChunkType ChunkType
	Language  string
	Metadata  map[string]any

	// Embedding is filled in after the embedding phase
	Embedding []float32
}

// ChunkID derives the deterministic id of a chunk from its file, line range and ordinal.
// The result is a UUID so that it is accepted as a point id by the vector database.
func ChunkID(filePath string, startLine, endLine, ordinal int) string {
	key := fmt.Sprintf("%s:%d-%d:%d", filePath, startLine, endLine, ordinal)
	return uuid.NewSHA1(chunkNamespace, []byte(key)).String()
}

// ComputeContentHash computes the SHA-256 hash of the chunk content
func (c *Chunk) ComputeContentHash() {
	c.ContentHash = sha256.Sum256([]byte(c.Content))
}

// ValidateContent checks if the chunk content is valid
func (c *Chunk) ValidateContent() error {
	if c.Content == "" {
		return errors.New("chunk content cannot be empty")
	}

	if c.StartLine <= 0 || c.EndLine <= 0 {
		return errors.New("line numbers must be positive")
	}

	if c.StartLine > c.EndLine {
		return errors.New("start line must be before or equal to end line")
	}

	return nil
}

// ValidateChunkType checks if the chunk type is valid. An empty type is allowed.
func (c *Chunk) ValidateChunkType() error {
	switch c.ChunkType {
	case "", ChunkFunction, ChunkClass, ChunkImport, ChunkExport, ChunkComment, ChunkBlock:
		return nil
	default:
		return fmt.Errorf("invalid chunk type %q", c.ChunkType)
	}
}

// Validate performs comprehensive validation of the chunk
func (c *Chunk) Validate() error {
	if c.ID == "" {
		return errors.New("chunk ID is required")
	}

	if c.FileID == "" {
		return errors.New("file ID is required")
	}

	if err := c.ValidateContent(); err != nil {
		return err
	}

	return c.ValidateChunkType()
}

// Payload builds the vector database payload for the chunk
func (c *Chunk) Payload() map[string]any {
	payload := map[string]any{
		PayloadFilePath:  c.FileID,
		PayloadContent:   c.Content,
		PayloadStartLine: c.StartLine,
		PayloadEndLine:   c.EndLine,
		PayloadChunkType: string(c.ChunkType),
		PayloadLanguage:  c.Language,
		PayloadIndex:     c.Index,
	}
	if len(c.Metadata) > 0 {
		payload[PayloadMetadata] = c.Metadata
	}
	return payload
}
