// Package filestore keeps the on-disk file area of each connection: uploads
// land there, downloads and listings are served from it.
package filestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/koltyakov/deskrelay/internal/domain"
)

const tempPrefix = ".upload-"

// File is an open stored file.
type File interface {
	io.ReadSeekCloser
}

// Local stores connection files under one root directory, one
// subdirectory per connection.
type Local struct {
	root     string
	maxBytes int64
}

// New creates root if needed. maxBytes caps a single stored file; zero or
// less means unlimited.
func New(root string, maxBytes int64) (*Local, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, errors.New("files root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("create files root: %w", err)
	}
	return &Local{root: abs, maxBytes: maxBytes}, nil
}

// Root returns the absolute root directory.
func (l *Local) Root() string {
	return l.root
}

func (l *Local) connectionDir(connectionID string) (string, error) {
	if connectionID == "" || strings.ContainsAny(connectionID, `/\`) || connectionID == "." || connectionID == ".." {
		return "", domain.Wrap("files", connectionID, fmt.Errorf("%w: bad connection id", domain.ErrInvalidArgument))
	}
	return resolveWithinRoot(l.root, connectionID)
}

// SanitizeFilename reduces a client-supplied upload name to a safe base name.
func SanitizeFilename(name string) (string, error) {
	name = strings.TrimSpace(strings.ReplaceAll(name, `\`, "/"))
	name = filepath.Base(filepath.FromSlash(name))
	if name == "" || name == "." || name == ".." || name == string(filepath.Separator) || strings.HasPrefix(name, tempPrefix) {
		return "", fmt.Errorf("%w: bad filename", domain.ErrInvalidArgument)
	}
	return name, nil
}

// Save streams r into the connection's area under filename, replacing any
// previous file of that name once the write completes.
func (l *Local) Save(ctx context.Context, connectionID, filename string, r io.Reader) (string, int64, error) {
	name, err := SanitizeFilename(filename)
	if err != nil {
		return "", 0, domain.Wrap("save file", connectionID, err)
	}
	dir, err := l.connectionDir(connectionID)
	if err != nil {
		return "", 0, err
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", 0, domain.Wrap("save file", connectionID, fmt.Errorf("%w: %v", domain.ErrIOFailure, err))
	}

	tmp, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		return "", 0, domain.Wrap("save file", connectionID, fmt.Errorf("%w: %v", domain.ErrIOFailure, err))
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	src := io.Reader(ctxReader{ctx: ctx, r: r})
	if l.maxBytes > 0 {
		src = io.LimitReader(src, l.maxBytes+1)
	}
	n, err := io.Copy(tmp, src)
	if err != nil {
		if ctx.Err() != nil {
			return "", 0, domain.Wrap("save file", connectionID, ctx.Err())
		}
		return "", 0, domain.Wrap("save file", connectionID, fmt.Errorf("%w: %v", domain.ErrIOFailure, err))
	}
	if l.maxBytes > 0 && n > l.maxBytes {
		return "", 0, domain.Wrap("save file", connectionID, fmt.Errorf("%w: file exceeds %d bytes", domain.ErrInvalidArgument, l.maxBytes))
	}
	if err := tmp.Close(); err != nil {
		return "", 0, domain.Wrap("save file", connectionID, fmt.Errorf("%w: %v", domain.ErrIOFailure, err))
	}
	if err := os.Rename(tmpName, filepath.Join(dir, name)); err != nil {
		return "", 0, domain.Wrap("save file", connectionID, fmt.Errorf("%w: %v", domain.ErrIOFailure, err))
	}
	committed = true
	return name, n, nil
}

// Open resolves a logical path within the connection's area.
func (l *Local) Open(_ context.Context, connectionID, path string) (File, domain.FileEntry, error) {
	dir, err := l.connectionDir(connectionID)
	if err != nil {
		return nil, domain.FileEntry{}, err
	}
	clean := strings.TrimSpace(path)
	if clean == "" {
		return nil, domain.FileEntry{}, domain.Wrap("open file", connectionID, fmt.Errorf("%w: empty path", domain.ErrInvalidArgument))
	}
	local, err := resolveWithinRoot(dir, clean)
	if err != nil {
		if errors.Is(err, ErrPathTraversal) {
			return nil, domain.FileEntry{}, domain.Wrap("open file", connectionID, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err))
		}
		return nil, domain.FileEntry{}, domain.Wrap("open file", connectionID, err)
	}
	if strings.HasPrefix(filepath.Base(local), tempPrefix) {
		return nil, domain.FileEntry{}, domain.Wrap("open file", connectionID, domain.ErrNotFound)
	}
	st, err := os.Stat(local)
	if err != nil || st.IsDir() {
		return nil, domain.FileEntry{}, domain.Wrap("open file", connectionID, domain.ErrNotFound)
	}
	f, err := os.Open(local)
	if err != nil {
		return nil, domain.FileEntry{}, domain.Wrap("open file", connectionID, fmt.Errorf("%w: %v", domain.ErrIOFailure, err))
	}
	rel, _ := filepath.Rel(dir, local)
	return f, domain.FileEntry{
		Name:    st.Name(),
		Path:    filepath.ToSlash(rel),
		Size:    st.Size(),
		ModTime: st.ModTime().UTC(),
	}, nil
}

// Remove deletes one stored file of a connection. A file that is already
// gone is not an error.
func (l *Local) Remove(_ context.Context, connectionID, name string) error {
	dir, err := l.connectionDir(connectionID)
	if err != nil {
		return err
	}
	local, err := resolveWithinRoot(dir, strings.TrimSpace(name))
	if err != nil {
		return domain.Wrap("remove file", connectionID, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err))
	}
	if local == dir {
		return domain.Wrap("remove file", connectionID, fmt.Errorf("%w: empty path", domain.ErrInvalidArgument))
	}
	if err := os.Remove(local); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return domain.Wrap("remove file", connectionID, fmt.Errorf("%w: %v", domain.ErrIOFailure, err))
	}
	return nil
}

// List returns the files of a connection sorted by path. A connection with
// no stored files yields an empty list.
func (l *Local) List(_ context.Context, connectionID string) ([]domain.FileEntry, error) {
	dir, err := l.connectionDir(connectionID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.FileEntry, 0)
	err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if p == dir && errors.Is(walkErr, fs.ErrNotExist) {
				return fs.SkipAll
			}
			return walkErr
		}
		if p == dir || d.Type()&fs.ModeSymlink != 0 || strings.HasPrefix(d.Name(), tempPrefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		out = append(out, domain.FileEntry{
			Name:    d.Name(),
			Path:    filepath.ToSlash(rel),
			Size:    info.Size(),
			IsDir:   d.IsDir(),
			ModTime: info.ModTime().UTC(),
		})
		return nil
	})
	if err != nil {
		return nil, domain.Wrap("list files", connectionID, fmt.Errorf("%w: %v", domain.ErrIOFailure, err))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// RemoveConnection deletes a connection's whole file area.
func (l *Local) RemoveConnection(connectionID string) error {
	dir, err := l.connectionDir(connectionID)
	if err != nil {
		return err
	}
	return os.RemoveAll(dir)
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
