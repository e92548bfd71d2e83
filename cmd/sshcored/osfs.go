package main

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sshcore/sshcore/internal/sftp"
)

// osFileSystem serves a directory subtree through the sftp.FileSystem
// interface. Paths from the wire are confined to the root: ".." cannot
// escape it.
type osFileSystem struct {
	root string
}

func newOSFileSystem(root string) *osFileSystem {
	abs, err := filepath.Abs(root)
	if err != nil {
		abs = root
	}
	return &osFileSystem{root: abs}
}

func (fs *osFileSystem) resolve(p string) string {
	clean := filepath.Clean("/" + strings.ReplaceAll(p, "\\", "/"))
	return filepath.Join(fs.root, filepath.FromSlash(clean))
}

func (fs *osFileSystem) external(p string) string {
	rel, err := filepath.Rel(fs.root, p)
	if err != nil || rel == "." {
		return "/"
	}
	return "/" + filepath.ToSlash(rel)
}

type osFile struct {
	f *os.File
}

func (o *osFile) ReadAt(p []byte, off int64) (int, error)  { return o.f.ReadAt(p, off) }
func (o *osFile) WriteAt(p []byte, off int64) (int, error) { return o.f.WriteAt(p, off) }
func (o *osFile) Close() error                             { return o.f.Close() }

func (o *osFile) Stat() (*sftp.Attributes, error) {
	fi, err := o.f.Stat()
	if err != nil {
		return nil, err
	}
	return attrsFromFileInfo(fi), nil
}

func (o *osFile) Setstat(attrs *sftp.Attributes) error {
	if attrs.Flags&sftp.AttrSize != 0 {
		if err := o.f.Truncate(int64(attrs.Size)); err != nil {
			return err
		}
	}
	if attrs.Flags&sftp.AttrPermissions != 0 {
		if err := o.f.Chmod(os.FileMode(attrs.Permissions & 0777)); err != nil {
			return err
		}
	}
	return nil
}

func attrsFromFileInfo(fi os.FileInfo) *sftp.Attributes {
	a := &sftp.Attributes{
		Flags:       sftp.AttrSize | sftp.AttrPermissions | sftp.AttrModifyTime,
		Size:        uint64(fi.Size()),
		Permissions: uint32(fi.Mode().Perm()),
		ModifyTime:  sftp.Timestamp{Seconds: fi.ModTime().Unix()},
		MTime:       uint32(fi.ModTime().Unix()),
	}
	switch {
	case fi.IsDir():
		a.Type = sftp.TypeDirectory
		a.Permissions |= sftp.ModeDir
	case fi.Mode()&os.ModeSymlink != 0:
		a.Type = sftp.TypeSymlink
		a.Permissions |= sftp.ModeSymlink
	default:
		a.Type = sftp.TypeRegular
		a.Permissions |= sftp.ModeRegular
	}
	return a
}

func (fs *osFileSystem) Open(p string, mode sftp.OpenMode, _ *sftp.Attributes) (sftp.File, error) {
	flags := 0
	switch {
	case mode.Read && mode.Write:
		flags = os.O_RDWR
	case mode.Write:
		flags = os.O_WRONLY
	default:
		flags = os.O_RDONLY
	}
	if mode.Append {
		flags |= os.O_APPEND
	}
	if mode.Create {
		flags |= os.O_CREATE
	}
	if mode.Truncate {
		flags |= os.O_TRUNC
	}
	if mode.Exclusive {
		flags |= os.O_EXCL
	}
	f, err := os.OpenFile(fs.resolve(p), flags, 0644)
	if err != nil {
		return nil, err
	}
	return &osFile{f: f}, nil
}

type osDir struct {
	f       *os.File
	drained bool
}

func (d *osDir) ReadEntries(max int) ([]sftp.NameEntry, error) {
	if d.drained {
		return nil, io.EOF
	}
	infos, err := d.f.Readdir(max)
	if err == io.EOF || len(infos) == 0 {
		d.drained = true
		return nil, io.EOF
	}
	if err != nil {
		return nil, err
	}
	entries := make([]sftp.NameEntry, 0, len(infos))
	for _, fi := range infos {
		entries = append(entries, sftp.NameEntry{
			Filename: fi.Name(),
			Longname: fi.Name(),
			Attrs:    attrsFromFileInfo(fi),
		})
	}
	return entries, nil
}

func (d *osDir) Close() error { return d.f.Close() }

func (fs *osFileSystem) OpenDir(p string) (sftp.DirReader, error) {
	f, err := os.Open(fs.resolve(p))
	if err != nil {
		return nil, err
	}
	return &osDir{f: f}, nil
}

func (fs *osFileSystem) Stat(p string) (*sftp.Attributes, error) {
	fi, err := os.Stat(fs.resolve(p))
	if err != nil {
		return nil, err
	}
	return attrsFromFileInfo(fi), nil
}

func (fs *osFileSystem) Lstat(p string) (*sftp.Attributes, error) {
	fi, err := os.Lstat(fs.resolve(p))
	if err != nil {
		return nil, err
	}
	return attrsFromFileInfo(fi), nil
}

func (fs *osFileSystem) Setstat(p string, attrs *sftp.Attributes) error {
	target := fs.resolve(p)
	if attrs.Flags&sftp.AttrSize != 0 {
		if err := os.Truncate(target, int64(attrs.Size)); err != nil {
			return err
		}
	}
	if attrs.Flags&sftp.AttrPermissions != 0 {
		if err := os.Chmod(target, os.FileMode(attrs.Permissions&0777)); err != nil {
			return err
		}
	}
	return nil
}

func (fs *osFileSystem) Remove(p string) error {
	return os.Remove(fs.resolve(p))
}

func (fs *osFileSystem) Rename(oldPath, newPath string) error {
	return os.Rename(fs.resolve(oldPath), fs.resolve(newPath))
}

func (fs *osFileSystem) Mkdir(p string, _ *sftp.Attributes) error {
	return os.Mkdir(fs.resolve(p), 0755)
}

func (fs *osFileSystem) Rmdir(p string) error {
	return os.Remove(fs.resolve(p))
}

func (fs *osFileSystem) ReadLink(p string) (string, error) {
	return os.Readlink(fs.resolve(p))
}

func (fs *osFileSystem) Symlink(target, link string) error {
	return os.Symlink(target, fs.resolve(link))
}

func (fs *osFileSystem) Link(target, link string) error {
	return os.Link(fs.resolve(target), fs.resolve(link))
}

func (fs *osFileSystem) RealPath(p string) (string, error) {
	return fs.external(fs.resolve(p)), nil
}
