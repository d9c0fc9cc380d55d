package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
)

// Backend runs one request inside dir, a workspace subdirectory owned by the
// request. Backends never return Go errors: every failure is a category on the
// result.
type Backend interface {
	// Name identifies the backend in results, logs and metrics.
	Name() string
	// Probe reports whether the backend can run code right now.
	Probe(ctx context.Context) error
	// Confined reports whether the backend provides kernel-level isolation.
	Confined() bool
	Execute(ctx context.Context, req ExecutionRequest, dir string) ExecutionResult
	// Cleanup releases anything the backend still holds.
	Cleanup() error
}

// writeSource stores the request source in dir under the language file name.
func writeSource(dir string, req ExecutionRequest, mode os.FileMode) (string, error) {
	path := filepath.Join(dir, req.Language.FileName())
	if err := os.WriteFile(path, []byte(req.Source), mode); err != nil {
		return "", err
	}
	return path, nil
}

var unsafeIDChars = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)

// sanitizeID makes an id safe for container names and directory names.
func sanitizeID(id string) string {
	s := unsafeIDChars.ReplaceAllString(id, "_")
	if len(s) > 48 {
		s = s[:48]
	}
	if s == "" {
		s = "exec"
	}
	return s
}
