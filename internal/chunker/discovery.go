package chunker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/dshills/ctxengine/pkg/types"
)

// ErrExcluded is returned by Stat for a path that discovery would not accept
var ErrExcluded = errors.New("file excluded from indexing")

// binarySniffLen is how much of a file is inspected for NUL bytes
const binarySniffLen = 8000

// defaultIgnores are directory names never descended into
var defaultIgnores = map[string]bool{
	".git":         true,
	".svn":         true,
	".hg":          true,
	"node_modules": true,
	"vendor":       true,
	"__pycache__":  true,
	".idea":        true,
	".vscode":      true,
	".ctxengine":   true,
	"dist":         true,
	"build":        true,
	"target":       true,
	".venv":        true,
}

var binaryExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".bmp": true, ".ico": true, ".webp": true,
	".pdf": true, ".zip": true, ".gz": true, ".tar": true, ".tgz": true, ".bz2": true, ".xz": true, ".7z": true,
	".exe": true, ".dll": true, ".so": true, ".dylib": true, ".a": true, ".o": true, ".class": true, ".jar": true,
	".wasm": true, ".pyc": true, ".bin": true, ".db": true, ".sqlite": true,
	".woff": true, ".woff2": true, ".ttf": true, ".otf": true, ".eot": true,
	".mp3": true, ".mp4": true, ".mov": true, ".avi": true, ".wav": true, ".flac": true,
}

// DiscoveryStats counts files rejected by discovery
type DiscoveryStats struct {
	Accepted int
	Excluded int
	Binary   int
	TooLarge int
	Empty    int
	Errors   int
}

// Discover walks the workspace and returns accepted files sorted by relative path
func (c *Chunker) Discover(ctx context.Context) ([]types.FileRecord, DiscoveryStats, error) {
	var stats DiscoveryStats
	var files []types.FileRecord

	root := c.root
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			if path == root {
				return err
			}
			stats.Errors++
			return nil // skip errors, keep walking
		}

		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			stats.Errors++
			return nil
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if path == root {
				return nil
			}
			if defaultIgnores[d.Name()] || c.excludedDir(rel) {
				return filepath.SkipDir
			}
			return nil
		}

		// Skip symlinks and special files
		if !d.Type().IsRegular() {
			return nil
		}

		info, infoErr := d.Info()
		if infoErr != nil {
			stats.Errors++
			return nil
		}

		rec, reason := c.accept(path, rel, info)
		switch reason {
		case rejectNone:
			stats.Accepted++
			files = append(files, rec)
		case rejectExcluded:
			stats.Excluded++
		case rejectBinary:
			stats.Binary++
		case rejectTooLarge:
			stats.TooLarge++
		case rejectEmpty:
			stats.Empty++
		}
		return nil
	})
	if err != nil {
		return nil, stats, fmt.Errorf("discover files in %s: %w", root, err)
	}

	sort.Slice(files, func(i, j int) bool { return files[i].RelPath < files[j].RelPath })
	return files, stats, nil
}

// Stat applies the discovery filters to a single path, absolute or relative
// to the workspace root. Filtered paths return ErrExcluded.
func (c *Chunker) Stat(path string) (types.FileRecord, error) {
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(c.root, path)
	}
	rel, err := c.RelPath(abs)
	if err != nil {
		return types.FileRecord{}, err
	}

	for _, dir := range strings.Split(rel, "/") {
		if defaultIgnores[dir] {
			return types.FileRecord{}, fmt.Errorf("%w: %s", ErrExcluded, rel)
		}
	}

	info, err := os.Lstat(abs)
	if err != nil {
		return types.FileRecord{}, &types.FileError{Path: rel, Err: err}
	}
	if !info.Mode().IsRegular() {
		return types.FileRecord{}, fmt.Errorf("%w: %s is not a regular file", ErrExcluded, rel)
	}

	rec, reason := c.accept(abs, rel, info)
	if reason != rejectNone {
		return types.FileRecord{}, fmt.Errorf("%w: %s (%s)", ErrExcluded, rel, reason)
	}
	return rec, nil
}

// RelPath converts an absolute path into a slash separated workspace path
func (c *Chunker) RelPath(abs string) (string, error) {
	rel, err := filepath.Rel(c.root, abs)
	if err != nil {
		return "", err
	}
	rel = filepath.ToSlash(rel)
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return "", types.NewValidationError("path", fmt.Sprintf("%s is outside the workspace", abs))
	}
	return rel, nil
}

type rejectReason string

const (
	rejectNone     rejectReason = ""
	rejectExcluded rejectReason = "excluded"
	rejectBinary   rejectReason = "binary"
	rejectTooLarge rejectReason = "too large"
	rejectEmpty    rejectReason = "empty"
)

func (c *Chunker) accept(path, rel string, info fs.FileInfo) (types.FileRecord, rejectReason) {
	if !c.included(rel) || c.excluded(rel) {
		return types.FileRecord{}, rejectExcluded
	}
	if info.Size() == 0 {
		return types.FileRecord{}, rejectEmpty
	}
	if info.Size() > c.opts.MaxFileSize {
		return types.FileRecord{}, rejectTooLarge
	}

	binary := isBinary(path)
	if binary && !c.opts.IncludeBinary {
		return types.FileRecord{}, rejectBinary
	}

	return types.FileRecord{
		Path:     path,
		RelPath:  rel,
		Size:     info.Size(),
		ModTime:  info.ModTime(),
		Language: DetectLanguage(rel),
		Binary:   binary,
	}, rejectNone
}

func (c *Chunker) included(rel string) bool {
	if len(c.opts.Include) == 0 {
		return true
	}
	return matchAny(c.opts.Include, rel)
}

func (c *Chunker) excluded(rel string) bool {
	return matchAny(c.opts.Exclude, rel)
}

// excludedDir prunes a directory when an exclude pattern covers everything below it
func (c *Chunker) excludedDir(rel string) bool {
	for _, p := range c.opts.Exclude {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
		if dir, ok := strings.CutSuffix(p, "/**"); ok {
			if matched, _ := doublestar.Match(dir, rel); matched {
				return true
			}
		}
	}
	return false
}

func matchAny(patterns []string, rel string) bool {
	for _, p := range patterns {
		if ok, err := doublestar.Match(p, rel); err == nil && ok {
			return true
		}
		// Bare file patterns like "*.min.js" also match in subdirectories
		if !strings.Contains(p, "/") {
			if ok, err := doublestar.Match(p, filepathBase(rel)); err == nil && ok {
				return true
			}
		}
	}
	return false
}

func filepathBase(rel string) string {
	if i := strings.LastIndexByte(rel, '/'); i >= 0 {
		return rel[i+1:]
	}
	return rel
}

func isBinary(path string) bool {
	if binaryExtensions[strings.ToLower(filepath.Ext(path))] {
		return true
	}

	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	buf := make([]byte, binarySniffLen)
	n, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return false
	}
	return bytes.IndexByte(buf[:n], 0) >= 0
}

func validPattern(p string) bool {
	return p != "" && doublestar.ValidatePattern(p)
}
