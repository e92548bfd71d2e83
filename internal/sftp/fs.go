package sftp

import "io"

// File is an open file as the Server sees it: positioned reads and
// writes against a server-issued handle.
type File interface {
	io.ReaderAt
	io.WriterAt
	io.Closer
	Stat() (*Attributes, error)
	Setstat(*Attributes) error
}

// DirReader yields directory entries in batches; io.EOF ends the
// iteration.
type DirReader interface {
	ReadEntries(max int) ([]NameEntry, error)
	Close() error
}

// FileSystem is the pluggable backend a Server decodes requests
// against. Filesystem I/O is a collaborator of this module, not part of
// it: implementations live with the embedding application.
type FileSystem interface {
	Open(path string, mode OpenMode, attrs *Attributes) (File, error)
	OpenDir(path string) (DirReader, error)

	Stat(path string) (*Attributes, error)
	Lstat(path string) (*Attributes, error)
	Setstat(path string, attrs *Attributes) error

	Remove(path string) error
	Rename(oldPath, newPath string) error
	Mkdir(path string, attrs *Attributes) error
	Rmdir(path string) error

	ReadLink(path string) (string, error)
	Symlink(target, link string) error
	RealPath(path string) (string, error)
}

// HardLinker is implemented by filesystems that support hard links;
// without it, LINK and hardlink@openssh.com requests are answered
// SSH_FX_OP_UNSUPPORTED.
type HardLinker interface {
	Link(target, link string) error
}

// VFSStater is implemented by filesystems that can answer the
// statvfs@openssh.com extension.
type VFSStater interface {
	StatVFS(path string) (*StatVFS, error)
}
