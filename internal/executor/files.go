package executor

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// File operations.
const (
	OpRead   = "read"
	OpWrite  = "write"
	OpAppend = "append"
	OpDelete = "delete"
	OpList   = "list"
)

// maxReadBytes caps what a read returns as the task result.
const maxReadBytes = 1 << 20

// FileOps performs file tasks confined to a root directory.
type FileOps struct {
	root     string
	realRoot string // root with symlinks evaluated
}

// NewFileOps creates the root if needed.
func NewFileOps(root string) (*FileOps, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve file root: %w", err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("failed to create file root: %w", err)
	}
	realRoot, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve file root: %w", err)
	}
	return &FileOps{root: abs, realRoot: realRoot}, nil
}

// Root returns the absolute root directory.
func (f *FileOps) Root() string {
	return f.root
}

// resolve maps a task path into the root. Absolute paths, paths that climb
// out of the root and paths reaching outside through a symlink are rejected
// permanently.
func (f *FileOps) resolve(path string) (string, error) {
	if path == "" {
		return "", Permanent(errors.New("file task has no path"))
	}
	clean := filepath.Clean(path)
	if filepath.IsAbs(clean) || climbs(clean) {
		return "", Permanent(fmt.Errorf("path %q escapes the file root", path))
	}
	full := filepath.Join(f.root, clean)
	inside, err := f.inside(full)
	if err != nil {
		return "", Permanent(fmt.Errorf("failed to resolve %s: %w", path, err))
	}
	if !inside {
		return "", Permanent(fmt.Errorf("path %q escapes the file root", path))
	}
	return full, nil
}

// inside evaluates symlinks on the longest existing prefix of full and
// reports whether the result is still under the root. A dangling link is
// an error.
func (f *FileOps) inside(full string) (bool, error) {
	existing := full
	for {
		_, err := os.Lstat(existing)
		if err == nil {
			break
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return false, err
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			return false, nil
		}
		existing = parent
	}
	resolved, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return false, err
	}
	rel, err := filepath.Rel(f.realRoot, resolved)
	if err != nil {
		return false, nil
	}
	return !climbs(rel), nil
}

func climbs(rel string) bool {
	return rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// Apply runs one operation and returns its textual result.
func (f *FileOps) Apply(op, path, content string) (string, error) {
	full, err := f.resolve(path)
	if err != nil {
		return "", err
	}

	switch op {
	case OpRead:
		file, err := os.Open(full)
		if err != nil {
			return "", Permanent(fmt.Errorf("failed to read %s: %w", path, err))
		}
		defer file.Close()
		data, err := io.ReadAll(io.LimitReader(file, maxReadBytes))
		if err != nil {
			return "", fmt.Errorf("failed to read %s: %w", path, err)
		}
		return string(data), nil

	case OpWrite, OpAppend:
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			return "", fmt.Errorf("failed to create directory for %s: %w", path, err)
		}
		flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
		if op == OpAppend {
			flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
		}
		file, err := os.OpenFile(full, flags, 0644)
		if err != nil {
			return "", fmt.Errorf("failed to open %s: %w", path, err)
		}
		if _, err := file.WriteString(content); err != nil {
			file.Close()
			return "", fmt.Errorf("failed to write %s: %w", path, err)
		}
		if err := file.Close(); err != nil {
			return "", fmt.Errorf("failed to close %s: %w", path, err)
		}
		return fmt.Sprintf("%s %d bytes to %s", op, len(content), path), nil

	case OpDelete:
		if err := os.Remove(full); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return "", Permanent(fmt.Errorf("failed to delete %s: %w", path, err))
			}
			return "", fmt.Errorf("failed to delete %s: %w", path, err)
		}
		return "deleted " + path, nil

	case OpList:
		entries, err := os.ReadDir(full)
		if err != nil {
			return "", Permanent(fmt.Errorf("failed to list %s: %w", path, err))
		}
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() {
				name += "/"
			}
			names = append(names, name)
		}
		return strings.Join(names, "\n"), nil
	}

	return "", Permanent(fmt.Errorf("unknown file operation %q", op))
}
