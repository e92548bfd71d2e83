package sftp

import (
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
)

// memFS is the in-memory FileSystem the client/server tests run
// against.
type memFS struct {
	mu    sync.Mutex
	files map[string]*memNode
	links map[string]string
}

type memNode struct {
	data []byte
	dir  bool
	mode uint32
}

func newMemFS() *memFS {
	return &memFS{
		files: map[string]*memNode{"/": {dir: true, mode: 0755}},
		links: make(map[string]string),
	}
}

func (fs *memFS) put(p string, data []byte) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.files[p] = &memNode{data: data, mode: 0644}
}

type memFile struct {
	fs   *memFS
	path string
}

func (f *memFile) node() (*memNode, bool) {
	n, ok := f.fs.files[f.path]
	return n, ok
}

func (f *memFile) ReadAt(p []byte, off int64) (int, error) {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	n, ok := f.node()
	if !ok {
		return 0, os.ErrNotExist
	}
	if off >= int64(len(n.data)) {
		return 0, io.EOF
	}
	copied := copy(p, n.data[off:])
	if copied < len(p) {
		return copied, io.EOF
	}
	return copied, nil
}

func (f *memFile) WriteAt(p []byte, off int64) (int, error) {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	n, ok := f.node()
	if !ok {
		return 0, os.ErrNotExist
	}
	need := off + int64(len(p))
	if int64(len(n.data)) < need {
		grown := make([]byte, need)
		copy(grown, n.data)
		n.data = grown
	}
	copy(n.data[off:], p)
	return len(p), nil
}

func (f *memFile) Close() error { return nil }

func (f *memFile) Stat() (*Attributes, error) {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	n, ok := f.node()
	if !ok {
		return nil, os.ErrNotExist
	}
	return attrsFor(n), nil
}

func (f *memFile) Setstat(attrs *Attributes) error {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	n, ok := f.node()
	if !ok {
		return os.ErrNotExist
	}
	if attrs.Flags&AttrPermissions != 0 {
		n.mode = attrs.Permissions & 0777
	}
	return nil
}

func attrsFor(n *memNode) *Attributes {
	a := &Attributes{
		Flags:       AttrSize | AttrPermissions,
		Size:        uint64(len(n.data)),
		Permissions: n.mode,
	}
	if n.dir {
		a.Type = TypeDirectory
		a.Permissions |= ModeDir
	} else {
		a.Type = TypeRegular
		a.Permissions |= ModeRegular
	}
	return a
}

func (fs *memFS) Open(p string, mode OpenMode, _ *Attributes) (File, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	n, ok := fs.files[p]
	switch {
	case ok && mode.Exclusive && mode.Create:
		return nil, os.ErrExist
	case !ok && !mode.Create:
		return nil, os.ErrNotExist
	case !ok:
		fs.files[p] = &memNode{mode: 0644}
	case mode.Truncate:
		n.data = nil
	}
	return &memFile{fs: fs, path: p}, nil
}

type memDir struct {
	entries []NameEntry
	pos     int
}

func (d *memDir) ReadEntries(max int) ([]NameEntry, error) {
	if d.pos >= len(d.entries) {
		return nil, io.EOF
	}
	end := d.pos + max
	if end > len(d.entries) {
		end = len(d.entries)
	}
	batch := d.entries[d.pos:end]
	d.pos = end
	return batch, nil
}

func (d *memDir) Close() error { return nil }

func (fs *memFS) OpenDir(p string) (DirReader, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	dir, ok := fs.files[p]
	if !ok || !dir.dir {
		return nil, os.ErrNotExist
	}
	var entries []NameEntry
	prefix := strings.TrimSuffix(p, "/") + "/"
	for name, n := range fs.files {
		if name == p || !strings.HasPrefix(name, prefix) {
			continue
		}
		rel := strings.TrimPrefix(name, prefix)
		if strings.Contains(rel, "/") {
			continue
		}
		entries = append(entries, NameEntry{Filename: rel, Longname: rel, Attrs: attrsFor(n)})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Filename < entries[j].Filename })
	return &memDir{entries: entries}, nil
}

func (fs *memFS) Stat(p string) (*Attributes, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if target, ok := fs.links[p]; ok {
		p = target
	}
	n, ok := fs.files[p]
	if !ok {
		return nil, os.ErrNotExist
	}
	return attrsFor(n), nil
}

func (fs *memFS) Lstat(p string) (*Attributes, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if _, ok := fs.links[p]; ok {
		return &Attributes{Flags: AttrPermissions, Type: TypeSymlink, Permissions: ModeSymlink | 0777}, nil
	}
	n, ok := fs.files[p]
	if !ok {
		return nil, os.ErrNotExist
	}
	return attrsFor(n), nil
}

func (fs *memFS) Setstat(p string, attrs *Attributes) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	n, ok := fs.files[p]
	if !ok {
		return os.ErrNotExist
	}
	if attrs.Flags&AttrPermissions != 0 {
		n.mode = attrs.Permissions & 0777
	}
	return nil
}

func (fs *memFS) Remove(p string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if _, ok := fs.links[p]; ok {
		delete(fs.links, p)
		return nil
	}
	n, ok := fs.files[p]
	if !ok {
		return os.ErrNotExist
	}
	if n.dir {
		return os.ErrInvalid
	}
	delete(fs.files, p)
	return nil
}

func (fs *memFS) Rename(oldPath, newPath string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	n, ok := fs.files[oldPath]
	if !ok {
		return os.ErrNotExist
	}
	delete(fs.files, oldPath)
	fs.files[newPath] = n
	return nil
}

func (fs *memFS) Mkdir(p string, _ *Attributes) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if _, ok := fs.files[p]; ok {
		return os.ErrExist
	}
	fs.files[p] = &memNode{dir: true, mode: 0755}
	return nil
}

func (fs *memFS) Rmdir(p string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	n, ok := fs.files[p]
	if !ok {
		return os.ErrNotExist
	}
	if !n.dir {
		return os.ErrInvalid
	}
	delete(fs.files, p)
	return nil
}

func (fs *memFS) ReadLink(p string) (string, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	target, ok := fs.links[p]
	if !ok {
		return "", os.ErrNotExist
	}
	return target, nil
}

func (fs *memFS) Symlink(target, link string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.links[link] = target
	return nil
}

func (fs *memFS) RealPath(p string) (string, error) {
	if p == "" || p == "." {
		return "/", nil
	}
	return path.Clean("/" + strings.TrimPrefix(p, "/")), nil
}
