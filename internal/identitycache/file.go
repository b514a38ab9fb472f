// Package identitycache persists the last known identity so a restarted client can
// resume its session.
package identitycache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"cocktail-auth/internal/domain"
	"cocktail-auth/internal/observability"
)

const (
	defaultDir      = ".cocktail"
	defaultFileName = "identity.json"
)

// DefaultPath returns ~/.cocktail/identity.json
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, defaultDir, defaultFileName), nil
}

// File stores the identity as a JSON document. Writes go through a temporary file
// and a rename so readers never observe a half-written record.
type File struct {
	path   string
	logger *slog.Logger

	mu sync.Mutex
}

// NewFile creates a file cache at path
func NewFile(path string) *File {
	return &File{
		path:   path,
		logger: observability.FromContext(context.Background()).With("cache", "file", "path", path),
	}
}

// Path returns the file location
func (f *File) Path() string {
	return f.path
}

// Load returns nil when the file is missing, unreadable or holds a partial identity.
func (f *File) Load(ctx context.Context) *domain.Identity {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			f.logger.Warn("failed to read identity cache", "error", err)
		}
		return nil
	}
	return decode(f.logger, data)
}

// Save replaces the stored identity
func (f *File) Save(ctx context.Context, identity domain.Identity) error {
	if err := identity.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(identity)
	if err != nil {
		return fmt.Errorf("failed to encode identity: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(f.path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write identity: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync identity: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		return fmt.Errorf("failed to replace identity cache: %w", err)
	}
	return nil
}

// Clear removes the stored identity. Clearing an empty cache is not an error.
func (f *File) Clear(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to clear identity cache: %w", err)
	}
	return nil
}

func decode(logger *slog.Logger, data []byte) *domain.Identity {
	var identity domain.Identity
	if err := json.Unmarshal(data, &identity); err != nil {
		logger.Warn("ignoring unreadable identity cache", "error", err)
		return nil
	}
	if err := identity.Validate(); err != nil {
		logger.Warn("ignoring partial identity cache", "error", err)
		return nil
	}
	return &identity
}
