package download

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// scopePrefix names the per-fetch temp dirs so the sweeper can tell them
// apart from anything else living under the data dir.
const scopePrefix = "dl-"

// Scope is the working directory for a single fetch. Every artifact of the
// fetch (cookie file, partial download, merged output) lives inside it, so
// releasing the scope releases everything.
type Scope struct {
	Dir string

	closeOnce sync.Once
}

// NewScope creates a fresh scope directory under dataDir. The directory
// exists before any network I/O starts.
func NewScope(dataDir string) (*Scope, error) {
	if dataDir == "" {
		dataDir = "data"
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	dir, err := os.MkdirTemp(dataDir, scopePrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("create download scope: %w", err)
	}
	return &Scope{Dir: dir}, nil
}

// Path returns the location of a named file inside the scope.
func (s *Scope) Path(name string) string {
	return filepath.Join(s.Dir, name)
}

// Close removes the scope directory and everything inside it. Safe to call
// more than once.
func (s *Scope) Close() {
	s.closeOnce.Do(func() {
		if err := os.RemoveAll(s.Dir); err != nil {
			slog.Warn("failed to remove download scope", slog.String("dir", s.Dir), slog.Any("err", err))
		}
	})
}
