// Package content implements the content-addressed file store for
// rendered HTML and screenshots. Files are named by content hash, so
// identical renders across URLs and snapshots share a single copy on
// disk; rows in the snapshot store jointly own the files they point to.
package content

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/pagesnap/pagesnap/internal/hash/sha256"
)

// Subdirectories under the data dir, mirrored in stored relative paths.
const (
	htmlDir       = "data/html"
	screenshotDir = "data/screenshot"
)

// ErrMissing indicates a stored path no longer exists on disk, which
// readers treat as a data-integrity signal rather than an I/O fault.
var ErrMissing = errors.New("content file missing")

// Store writes and reads hash-named content files under a base dir.
type Store struct {
	baseDir string
	hasher  *sha256.Hasher
	logger  *zap.Logger
}

// New creates the store and ensures the directory layout exists.
func New(baseDir string, logger *zap.Logger) (*Store, error) {
	if strings.TrimSpace(baseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	for _, dir := range []string{htmlDir, screenshotDir} {
		if err := os.MkdirAll(filepath.Join(baseDir, dir), 0o750); err != nil {
			return nil, fmt.Errorf("create content dir: %w", err)
		}
	}
	return &Store{
		baseDir: baseDir,
		hasher:  sha256.New(),
		logger:  logger,
	}, nil
}

// WriteHTML persists the HTML and returns its relative path. A file
// that already exists is left untouched, deduplicating identical
// renders.
func (s *Store) WriteHTML(html string) (string, error) {
	rel := filepath.Join(htmlDir, s.hasher.Hash([]byte(html))+".html")
	if err := s.writeIfAbsent(rel, []byte(html)); err != nil {
		return "", err
	}
	return rel, nil
}

// WriteScreenshot persists screenshot bytes with the given image format
// extension and returns the relative path.
func (s *Store) WriteScreenshot(data []byte, format string) (string, error) {
	if format == "" {
		format = "webp"
	}
	rel := filepath.Join(screenshotDir, s.hasher.Hash(data)+"."+format)
	if err := s.writeIfAbsent(rel, data); err != nil {
		return "", err
	}
	return rel, nil
}

func (s *Store) writeIfAbsent(rel string, data []byte) error {
	full, err := s.resolve(rel)
	if err != nil {
		return err
	}
	if _, statErr := os.Stat(full); statErr == nil {
		return nil
	}
	if err := os.WriteFile(full, data, 0o600); err != nil {
		return fmt.Errorf("write content file: %w", err)
	}
	return nil
}

// ReadHTML loads the HTML behind a stored relative path. A vanished
// file yields ErrMissing so callers can self-heal the orphaned row.
func (s *Store) ReadHTML(rel string) (string, error) {
	full, err := s.resolve(rel)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrMissing
		}
		return "", fmt.Errorf("read content file: %w", err)
	}
	return string(data), nil
}

// Remove unlinks the given relative paths. Callers pass only paths
// whose snapshot reference count already reached zero; failures are
// logged, not fatal, since an orphaned file is a disk leak rather than
// a correctness problem.
func (s *Store) Remove(rels []string) int {
	removed := 0
	for _, rel := range rels {
		full, err := s.resolve(rel)
		if err != nil {
			s.logger.Warn("skip content removal", zap.String("path", rel), zap.Error(err))
			continue
		}
		if err := os.Remove(full); err != nil {
			if !os.IsNotExist(err) {
				s.logger.Warn("remove content file failed", zap.String("path", rel), zap.Error(err))
			}
			continue
		}
		removed++
	}
	return removed
}

// Exists reports whether the relative path is present on disk.
func (s *Store) Exists(rel string) bool {
	full, err := s.resolve(rel)
	if err != nil {
		return false
	}
	_, err = os.Stat(full)
	return err == nil
}

// resolve joins rel under the base dir and rejects traversal outside it.
func (s *Store) resolve(rel string) (string, error) {
	full := filepath.Clean(filepath.Join(s.baseDir, rel))
	base := filepath.Clean(s.baseDir)
	if !strings.HasPrefix(full, base+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes data dir: %s", rel)
	}
	return full, nil
}
