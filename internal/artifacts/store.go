// Package artifacts stores generated deck files on local disk. Refs handed
// to clients are opaque paths relative to the artifact root; a missing file
// behind a valid-looking ref means the artifact was purged.
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"deckforge/internal/core/domain"
	"deckforge/internal/core/ports"
)

// ErrGone is returned by Open when a ref points at a purged artifact.
var ErrGone = errors.New("artifact purged")

type Store struct {
	logger *slog.Logger
	root   string
}

var _ ports.ArtifactStore = (*Store)(nil)

func NewStore(logger *slog.Logger, root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifact dir %s: %w", root, err)
	}
	return &Store{logger: logger, root: root}, nil
}

func (s *Store) Save(ctx context.Context, jobID domain.JobID, filename string, data []byte) (string, error) {
	dir := filepath.Join(s.root, string(jobID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create job artifact dir: %w", err)
	}

	path := filepath.Join(dir, filepath.Base(filename))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write artifact: %w", err)
	}

	ref := filepath.ToSlash(filepath.Join(string(jobID), filepath.Base(filename)))
	s.logger.Info("artifact stored", "job_id", jobID, "ref", ref, "bytes", len(data))
	return ref, nil
}

func (s *Store) Open(ctx context.Context, ref string) (io.ReadCloser, int64, error) {
	path, err := s.resolve(ref)
	if err != nil {
		return nil, 0, err
	}

	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, 0, ErrGone
	}
	if err != nil {
		return nil, 0, err
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	return f, info.Size(), nil
}

func (s *Store) Delete(ctx context.Context, ref string) error {
	path, err := s.resolve(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	// Drop the per-job dir when it empties out.
	_ = os.Remove(filepath.Dir(path))
	return nil
}

func (s *Store) Sweep(ctx context.Context, olderThan time.Time) (int, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(olderThan) {
			if err := os.RemoveAll(filepath.Join(s.root, entry.Name())); err != nil {
				s.logger.Warn("failed to remove expired artifact dir", "dir", entry.Name(), "error", err)
				continue
			}
			removed++
		}
	}
	return removed, nil
}

// resolve maps a ref to a path under the root, rejecting traversal.
func (s *Store) resolve(ref string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(ref))
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("invalid artifact ref %q", ref)
	}
	return filepath.Join(s.root, clean), nil
}
