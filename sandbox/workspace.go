package sandbox

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/BaSui01/personaflow/types"
)

// Workspace is a directory tree that file access cannot leave. Relative paths
// resolve against the root; absolute paths must already lie inside it;
// symlinks pointing outside are rejected.
type Workspace struct {
	root  string
	owned bool
}

// NewWorkspace roots a workspace at root, creating it if needed. An empty root
// creates a fresh temporary directory owned by the workspace.
func NewWorkspace(root string) (*Workspace, error) {
	owned := false
	if strings.TrimSpace(root) == "" {
		dir, err := os.MkdirTemp("", "personaflow-ws-")
		if err != nil {
			return nil, fmt.Errorf("create workspace: %w", err)
		}
		root, owned = dir, true
	} else if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace %s: %w", root, err)
	}

	abs := normalize(root)
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	return &Workspace{root: abs, owned: owned}, nil
}

// Root returns the absolute workspace root.
func (w *Workspace) Root() string { return w.root }

// Resolve maps path to an absolute location inside the workspace.
func (w *Workspace) Resolve(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", types.Errorf(types.ErrCodePathDenied, "empty path")
	}
	candidate := trimmed
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(w.root, candidate)
	}
	candidate = filepath.Clean(candidate)
	if !within(candidate, w.root) {
		return "", types.Errorf(types.ErrCodePathDenied, "%s escapes workspace", trimmed)
	}

	real, err := resolveExisting(candidate)
	if err != nil {
		return "", types.Errorf(types.ErrCodePathDenied, "resolve %s", trimmed).WithCause(err)
	}
	if !within(real, w.root) {
		return "", types.Errorf(types.ErrCodePathDenied, "%s resolves outside workspace", trimmed)
	}
	return candidate, nil
}

// Read returns the contents of a file inside the workspace.
func (w *Workspace) Read(path string) ([]byte, error) {
	abs, err := w.Resolve(path)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(abs)
}

// Write stores data in a file inside the workspace, creating parents.
func (w *Workspace) Write(path string, data []byte) error {
	abs, err := w.Resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return err
	}
	return os.WriteFile(abs, data, 0o644)
}

// Scoped creates a distinct subdirectory for one execution.
func (w *Workspace) Scoped(name string) (*Workspace, error) {
	dir, err := os.MkdirTemp(w.root, sanitizeID(name)+"-")
	if err != nil {
		return nil, fmt.Errorf("create scoped workspace: %w", err)
	}
	return &Workspace{root: dir, owned: true}, nil
}

// Close removes the directory if the workspace created it.
func (w *Workspace) Close() error {
	if !w.owned {
		return nil
	}
	return os.RemoveAll(w.root)
}

// resolveExisting evaluates symlinks on the longest existing prefix of path.
func resolveExisting(path string) (string, error) {
	rest := ""
	cur := path
	for {
		real, err := filepath.EvalSymlinks(cur)
		if err == nil {
			return filepath.Join(real, rest), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return path, nil
		}
		rest = filepath.Join(filepath.Base(cur), rest)
		cur = parent
	}
}

func normalize(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	return filepath.Clean(abs)
}

func within(path, root string) bool {
	if root == "" {
		return false
	}
	path = filepath.Clean(path)
	root = filepath.Clean(root)
	if path == root {
		return true
	}
	sep := string(filepath.Separator)
	if !strings.HasSuffix(root, sep) {
		root += sep
	}
	return strings.HasPrefix(path+sep, root)
}
