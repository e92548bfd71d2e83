package sftp

import (
	"encoding/binary"
	"io"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/sshcore/sshcore/internal/debug"
	"github.com/sshcore/sshcore/internal/errors"
	"github.com/sshcore/sshcore/internal/future"
	"github.com/sshcore/sshcore/internal/sema"
	"github.com/sshcore/sshcore/internal/wire"
)

// MaxPacketLength bounds a single SFTP packet; anything larger is
// treated as a framing error rather than allocated.
const MaxPacketLength = 1024 * 1024

// DefaultRequestTimeout bounds how long a Client call waits for its
// paired response.
const DefaultRequestTimeout = 60 * time.Second

// maxInFlight caps concurrently outstanding requests per client.
const maxInFlight = 64

// handleCacheSize bounds the handle -> path diagnostic cache.
const handleCacheSize = 128

// OpenMode is the version-independent way callers express how a file
// should be opened; Open translates it to the negotiated version's wire
// encoding (v3 classic bitmask versus v5+ access mask + disposition).
type OpenMode struct {
	Read      bool
	Write     bool
	Append    bool
	Create    bool
	Truncate  bool
	Exclusive bool
}

func (m OpenMode) v3Flags() uint32 {
	var flags uint32
	if m.Read {
		flags |= FlagRead
	}
	if m.Write {
		flags |= FlagWrite
	}
	if m.Append {
		flags |= FlagAppend | FlagWrite
	}
	if m.Create {
		flags |= FlagCreate
	}
	if m.Truncate {
		flags |= FlagTrunc
	}
	if m.Exclusive {
		flags |= FlagExcl
	}
	return flags
}

// v5Fields splits the mode into the ACE4_* desired-access mask and the
// disposition value of the v5+ OPEN layout.
func (m OpenMode) v5Fields() (access, flags uint32) {
	if m.Read {
		access |= AceReadData | AceReadAttributes
	}
	if m.Write {
		access |= AceWriteData | AceWriteAttributes
	}
	if m.Append {
		access |= AceAppendData | AceWriteAttributes
		flags |= flagAppendData
	}

	switch {
	case m.Create && m.Exclusive:
		flags |= DispositionCreateNew
	case m.Create && m.Truncate:
		flags |= DispositionCreateTruncate
	case m.Create:
		flags |= DispositionOpenOrCreate
	case m.Truncate:
		flags |= DispositionTruncateExisting
	default:
		flags |= DispositionOpenExisting
	}
	return access, flags
}

// NameEntry is one directory entry returned by ReadDir or Realpath.
type NameEntry struct {
	Filename string
	// Longname is the ls-style line v3 servers include; empty on v4+.
	Longname string
	Attrs    *Attributes
}

// response pairs the reply's packet type with its undecoded body.
type response struct {
	typ byte
	buf *wire.Buffer
}

// Client is a blocking SFTP client over a duplex byte stream, typically
// a channel running the "sftp" subsystem. All methods are safe for
// concurrent use; requests are matched to responses by request id, so
// several calls may be in flight at once (bounded by an internal
// semaphore).
type Client struct {
	conn io.ReadWriter

	mu      sync.Mutex
	nextID  uint32
	pending map[uint32]*future.Future
	dead    error

	version    int
	extensions map[string]string

	sem     sema.Semaphore
	handles *lru.Cache[string, string]

	timeout time.Duration
}

// NewClient negotiates the protocol version over conn (it performs the
// INIT/VERSION exchange synchronously) and starts the response-dispatch
// loop. The negotiated version is the minimum of ours and the server's;
// a server version below VersionMin is rejected with a protocol error.
func NewClient(conn io.ReadWriter) (*Client, error) {
	handles, _ := lru.New[string, string](handleCacheSize)
	sem, _ := sema.New(maxInFlight)
	c := &Client{
		conn:       conn,
		pending:    make(map[uint32]*future.Future),
		extensions: make(map[string]string),
		sem:        sem,
		handles:    handles,
		timeout:    DefaultRequestTimeout,
	}

	init := wire.NewBuffer()
	init.PutByte(PacketInit)
	init.PutUint32(VersionMax)
	if err := c.writeFrame(init); err != nil {
		return nil, err
	}

	typ, vbuf, err := readFrame(conn)
	if err != nil {
		return nil, errors.Wrap(err, "sftp: version exchange")
	}
	if typ != PacketVersion {
		return nil, errors.NewProtocolError("sftp: expected VERSION, got packet type %d", typ)
	}
	version, err := vbuf.GetUint32()
	if err != nil {
		return nil, err
	}
	c.version = int(version)
	if c.version > VersionMax {
		c.version = VersionMax
	}
	if c.version < VersionMin {
		return nil, errors.NewProtocolError("sftp: server version %d below minimum %d", version, VersionMin)
	}
	for vbuf.Available() > 0 {
		name, err := vbuf.GetString()
		if err != nil {
			break
		}
		data, err := vbuf.GetString()
		if err != nil {
			break
		}
		c.extensions[name] = data
	}
	debug.Log("sftp client: negotiated version %d, %d extensions", c.version, len(c.extensions))

	go c.dispatchLoop()
	return c, nil
}

// Version returns the negotiated protocol version.
func (c *Client) Version() int { return c.version }

// HasExtension reports whether the server announced the named extension.
func (c *Client) HasExtension(name string) bool {
	_, ok := c.extensions[name]
	return ok
}

func (c *Client) writeFrame(payload *wire.Buffer) error {
	body := payload.Payload(0)
	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[4:], body)
	_, err := c.conn.Write(frame)
	return err
}

func readFrame(r io.Reader) (byte, *wire.Buffer, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return 0, nil, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 || length > MaxPacketLength {
		return 0, nil, errors.NewProtocolError("sftp: invalid packet length %d", length)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, err
	}
	buf := wire.NewBufferFrom(body)
	typ, err := buf.GetByte()
	if err != nil {
		return 0, nil, err
	}
	return typ, buf, nil
}

// dispatchLoop reads response frames and resolves the matching pending
// future. It exits, failing everything still pending, once the stream
// errors or closes.
func (c *Client) dispatchLoop() {
	for {
		typ, buf, err := readFrame(c.conn)
		if err != nil {
			c.fail(err)
			return
		}
		id, err := buf.GetUint32()
		if err != nil {
			c.fail(err)
			return
		}
		c.mu.Lock()
		f, ok := c.pending[id]
		delete(c.pending, id)
		c.mu.Unlock()
		if !ok {
			debug.Log("sftp client: response for unknown request id %d, type %d", id, typ)
			continue
		}
		f.Set(response{typ: typ, buf: buf})
	}
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	if c.dead == nil {
		c.dead = err
	}
	pending := c.pending
	c.pending = make(map[uint32]*future.Future)
	c.mu.Unlock()
	for _, f := range pending {
		f.Set(err)
	}
}

// rpc sends one request and blocks until its response arrives.
func (c *Client) rpc(typ byte, body func(*wire.Buffer)) (response, error) {
	c.sem.GetToken()
	defer c.sem.ReleaseToken()

	c.mu.Lock()
	if c.dead != nil {
		err := c.dead
		c.mu.Unlock()
		return response{}, err
	}
	id := c.nextID
	c.nextID++
	f := future.New()
	c.pending[id] = f
	c.mu.Unlock()

	buf := wire.NewBuffer()
	buf.PutByte(typ)
	buf.PutUint32(id)
	body(buf)
	if err := c.writeFrame(buf); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return response{}, err
	}

	outcome, err := f.Await(c.timeout)
	if err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return response{}, errors.Wrap(err, "sftp: request")
	}
	switch v := outcome.(type) {
	case response:
		return v, nil
	case error:
		return response{}, v
	default:
		return response{}, errors.Errorf("sftp: unexpected rpc outcome %T", outcome)
	}
}

// decodeStatus interprets a STATUS response body. StatusOK maps to nil;
// everything else becomes an *errors.SftpError carrying the code.
func decodeStatus(buf *wire.Buffer) error {
	code, err := buf.GetUint32()
	if err != nil {
		return err
	}
	if code == StatusOK {
		return nil
	}
	msg, _ := buf.GetString()
	return errors.NewSftpError(code, msg)
}

// expectStatus consumes a response that must be STATUS and returns its
// decoded outcome.
func (c *Client) expectStatus(r response) error {
	if r.typ != PacketStatus {
		return errors.NewProtocolError("sftp: expected STATUS, got packet type %d", r.typ)
	}
	return decodeStatus(r.buf)
}

func (c *Client) expectHandle(r response) (string, error) {
	switch r.typ {
	case PacketHandle:
		return r.buf.GetString()
	case PacketStatus:
		if err := decodeStatus(r.buf); err != nil {
			return "", err
		}
		return "", errors.NewProtocolError("sftp: STATUS OK where HANDLE expected")
	default:
		return "", errors.NewProtocolError("sftp: expected HANDLE, got packet type %d", r.typ)
	}
}

func (c *Client) expectAttrs(r response) (*Attributes, error) {
	switch r.typ {
	case PacketAttrs:
		return DecodeAttributes(r.buf, c.version)
	case PacketStatus:
		if err := decodeStatus(r.buf); err != nil {
			return nil, err
		}
		return nil, errors.NewProtocolError("sftp: STATUS OK where ATTRS expected")
	default:
		return nil, errors.NewProtocolError("sftp: expected ATTRS, got packet type %d", r.typ)
	}
}

func (c *Client) expectName(r response) ([]NameEntry, error) {
	switch r.typ {
	case PacketName:
		return c.decodeNames(r.buf)
	case PacketStatus:
		code, err := r.buf.GetUint32()
		if err != nil {
			return nil, err
		}
		if code == StatusEOF {
			return nil, io.EOF
		}
		msg, _ := r.buf.GetString()
		return nil, errors.NewSftpError(code, msg)
	default:
		return nil, errors.NewProtocolError("sftp: expected NAME, got packet type %d", r.typ)
	}
}

func (c *Client) decodeNames(buf *wire.Buffer) ([]NameEntry, error) {
	count, err := buf.GetUint32()
	if err != nil {
		return nil, err
	}
	entries := make([]NameEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		var e NameEntry
		if e.Filename, err = buf.GetString(); err != nil {
			return nil, err
		}
		if c.version <= 3 {
			if e.Longname, err = buf.GetString(); err != nil {
				return nil, err
			}
		}
		if e.Attrs, err = DecodeAttributes(buf, c.version); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Handle is a server-issued opaque identifier for an open file or
// directory, holding a back-reference to its client so it can close
// itself.
type Handle struct {
	client *Client
	value  string

	mu     sync.Mutex
	closed bool
}

// Close releases the server-side handle. It is idempotent.
func (h *Handle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	h.client.handles.Remove(h.value)
	r, err := h.client.rpc(PacketClose, func(buf *wire.Buffer) {
		buf.PutString(h.value)
	})
	if err != nil {
		return err
	}
	return h.client.expectStatus(r)
}

// Open opens path with the given mode and optional initial attributes
// (nil means none), translating the mode per the negotiated version.
func (c *Client) Open(path string, mode OpenMode, attrs *Attributes) (*Handle, error) {
	r, err := c.rpc(PacketOpen, func(buf *wire.Buffer) {
		buf.PutString(path)
		if c.version >= 5 {
			access, flags := mode.v5Fields()
			buf.PutUint32(access)
			buf.PutUint32(flags)
		} else {
			buf.PutUint32(mode.v3Flags())
		}
		if attrs == nil {
			attrs = &Attributes{}
		}
		attrs.Encode(buf, c.version)
	})
	if err != nil {
		return nil, err
	}
	handle, err := c.expectHandle(r)
	if err != nil {
		return nil, err
	}
	c.handles.Add(handle, path)
	return &Handle{client: c, value: handle}, nil
}

// Read reads up to len(p) bytes from the handle at the given offset.
// End of file surfaces as (0, io.EOF), the Go rendering of the FX_EOF
// sentinel.
func (c *Client) Read(h *Handle, offset uint64, p []byte) (int, error) {
	r, err := c.rpc(PacketRead, func(buf *wire.Buffer) {
		buf.PutString(h.value)
		buf.PutUint64(offset)
		buf.PutUint32(uint32(len(p)))
	})
	if err != nil {
		return 0, err
	}
	switch r.typ {
	case PacketData:
		data, err := r.buf.GetStringBytes()
		if err != nil {
			return 0, err
		}
		n := copy(p, data)
		if n < len(data) {
			return n, errors.NewProtocolError("sftp: DATA longer than requested: %d > %d", len(data), len(p))
		}
		return n, nil
	case PacketStatus:
		code, err := r.buf.GetUint32()
		if err != nil {
			return 0, err
		}
		if code == StatusEOF {
			return 0, io.EOF
		}
		msg, _ := r.buf.GetString()
		return 0, errors.NewSftpError(code, msg)
	default:
		return 0, errors.NewProtocolError("sftp: expected DATA, got packet type %d", r.typ)
	}
}

// Write writes p to the handle at the given offset.
func (c *Client) Write(h *Handle, offset uint64, p []byte) error {
	r, err := c.rpc(PacketWrite, func(buf *wire.Buffer) {
		buf.PutString(h.value)
		buf.PutUint64(offset)
		buf.PutUint32(uint32(len(p)))
		buf.PutBytes(p)
	})
	if err != nil {
		return err
	}
	return c.expectStatus(r)
}

// OpenDir opens a directory for reading with ReadDir.
func (c *Client) OpenDir(path string) (*Handle, error) {
	r, err := c.rpc(PacketOpendir, func(buf *wire.Buffer) {
		buf.PutString(path)
	})
	if err != nil {
		return nil, err
	}
	handle, err := c.expectHandle(r)
	if err != nil {
		return nil, err
	}
	c.handles.Add(handle, path)
	return &Handle{client: c, value: handle}, nil
}

// ReadDir returns the next batch of entries for a directory handle;
// io.EOF ends the iteration.
func (c *Client) ReadDir(h *Handle) ([]NameEntry, error) {
	r, err := c.rpc(PacketReaddir, func(buf *wire.Buffer) {
		buf.PutString(h.value)
	})
	if err != nil {
		return nil, err
	}
	return c.expectName(r)
}

func (c *Client) pathAttrsRPC(typ byte, path string) (*Attributes, error) {
	r, err := c.rpc(typ, func(buf *wire.Buffer) {
		buf.PutString(path)
		if c.version >= 4 {
			buf.PutUint32(0) // desired attribute flags: everything
		}
	})
	if err != nil {
		return nil, err
	}
	return c.expectAttrs(r)
}

// Stat returns the attributes of path, following symlinks.
func (c *Client) Stat(path string) (*Attributes, error) {
	return c.pathAttrsRPC(PacketStat, path)
}

// Lstat returns the attributes of path without following symlinks.
func (c *Client) Lstat(path string) (*Attributes, error) {
	return c.pathAttrsRPC(PacketLstat, path)
}

// Fstat returns the attributes of an open handle.
func (c *Client) Fstat(h *Handle) (*Attributes, error) {
	r, err := c.rpc(PacketFstat, func(buf *wire.Buffer) {
		buf.PutString(h.value)
	})
	if err != nil {
		return nil, err
	}
	return c.expectAttrs(r)
}

// Setstat applies attrs to path.
func (c *Client) Setstat(path string, attrs *Attributes) error {
	r, err := c.rpc(PacketSetstat, func(buf *wire.Buffer) {
		buf.PutString(path)
		attrs.Encode(buf, c.version)
	})
	if err != nil {
		return err
	}
	return c.expectStatus(r)
}

// Fsetstat applies attrs to an open handle.
func (c *Client) Fsetstat(h *Handle, attrs *Attributes) error {
	r, err := c.rpc(PacketFsetstat, func(buf *wire.Buffer) {
		buf.PutString(h.value)
		attrs.Encode(buf, c.version)
	})
	if err != nil {
		return err
	}
	return c.expectStatus(r)
}

// Remove deletes a file.
func (c *Client) Remove(path string) error {
	r, err := c.rpc(PacketRemove, func(buf *wire.Buffer) {
		buf.PutString(path)
	})
	if err != nil {
		return err
	}
	return c.expectStatus(r)
}

// Mkdir creates a directory with optional attributes (nil means none).
func (c *Client) Mkdir(path string, attrs *Attributes) error {
	r, err := c.rpc(PacketMkdir, func(buf *wire.Buffer) {
		buf.PutString(path)
		if attrs == nil {
			attrs = &Attributes{}
		}
		attrs.Encode(buf, c.version)
	})
	if err != nil {
		return err
	}
	return c.expectStatus(r)
}

// Rmdir removes a directory.
func (c *Client) Rmdir(path string) error {
	r, err := c.rpc(PacketRmdir, func(buf *wire.Buffer) {
		buf.PutString(path)
	})
	if err != nil {
		return err
	}
	return c.expectStatus(r)
}

// Rename renames oldPath to newPath, preferring the atomic
// posix-rename@openssh.com extension when the server offers it.
func (c *Client) Rename(oldPath, newPath string) error {
	if c.HasExtension(ExtPosixRename) {
		r, err := c.rpc(PacketExtended, func(buf *wire.Buffer) {
			buf.PutString(ExtPosixRename)
			buf.PutString(oldPath)
			buf.PutString(newPath)
		})
		if err != nil {
			return err
		}
		return c.expectStatus(r)
	}
	r, err := c.rpc(PacketRename, func(buf *wire.Buffer) {
		buf.PutString(oldPath)
		buf.PutString(newPath)
		if c.version >= 5 {
			buf.PutUint32(0) // flags
		}
	})
	if err != nil {
		return err
	}
	return c.expectStatus(r)
}

// ReadLink returns the target of a symbolic link.
func (c *Client) ReadLink(path string) (string, error) {
	r, err := c.rpc(PacketReadlink, func(buf *wire.Buffer) {
		buf.PutString(path)
	})
	if err != nil {
		return "", err
	}
	entries, err := c.expectName(r)
	if err != nil {
		return "", err
	}
	if len(entries) != 1 {
		return "", errors.NewProtocolError("sftp: READLINK returned %d names", len(entries))
	}
	return entries[0].Filename, nil
}

// Symlink creates a symbolic link at linkPath pointing to targetPath.
func (c *Client) Symlink(targetPath, linkPath string) error {
	return c.link(targetPath, linkPath, true)
}

// Link creates a link at linkPath pointing to targetPath. Hard links
// require protocol version 6 or the hardlink@openssh.com extension; on
// v3-v5 without the extension a hard-link request is rejected locally.
func (c *Client) Link(targetPath, linkPath string, symbolic bool) error {
	return c.link(targetPath, linkPath, symbolic)
}

func (c *Client) link(targetPath, linkPath string, symbolic bool) error {
	if c.version >= 6 {
		r, err := c.rpc(PacketLink, func(buf *wire.Buffer) {
			buf.PutString(linkPath)
			buf.PutString(targetPath)
			buf.PutBool(symbolic)
		})
		if err != nil {
			return err
		}
		return c.expectStatus(r)
	}

	if !symbolic {
		if c.HasExtension(ExtHardlink) {
			r, err := c.rpc(PacketExtended, func(buf *wire.Buffer) {
				buf.PutString(ExtHardlink)
				buf.PutString(targetPath)
				buf.PutString(linkPath)
			})
			if err != nil {
				return err
			}
			return c.expectStatus(r)
		}
		return errors.NewSftpError(StatusOpUnsupported,
			"hard links require protocol version 6")
	}

	// The v3 SYMLINK field order is reversed relative to v6 LINK:
	// target first, then the link path.
	r, err := c.rpc(PacketSymlink, func(buf *wire.Buffer) {
		buf.PutString(targetPath)
		buf.PutString(linkPath)
	})
	if err != nil {
		return err
	}
	return c.expectStatus(r)
}

// RealPath canonicalizes path on the server.
func (c *Client) RealPath(path string) (string, error) {
	r, err := c.rpc(PacketRealpath, func(buf *wire.Buffer) {
		buf.PutString(path)
	})
	if err != nil {
		return "", err
	}
	entries, err := c.expectName(r)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "", errors.NewProtocolError("sftp: REALPATH returned no names")
	}
	return entries[0].Filename, nil
}

// StatVFS holds the statvfs@openssh.com extension reply.
type StatVFS struct {
	BlockSize     uint64
	FragmentSize  uint64
	Blocks        uint64
	BlocksFree    uint64
	BlocksAvail   uint64
	Files         uint64
	FilesFree     uint64
	FilesAvail    uint64
	FilesystemID  uint64
	MountFlags    uint64
	MaxNameLength uint64
}

// StatVFSPath issues the statvfs@openssh.com extension for path.
func (c *Client) StatVFSPath(path string) (*StatVFS, error) {
	if !c.HasExtension(ExtStatVFS) {
		return nil, errors.NewSftpError(StatusOpUnsupported, "server lacks "+ExtStatVFS)
	}
	r, err := c.rpc(PacketExtended, func(buf *wire.Buffer) {
		buf.PutString(ExtStatVFS)
		buf.PutString(path)
	})
	if err != nil {
		return nil, err
	}
	if r.typ == PacketStatus {
		if err := decodeStatus(r.buf); err != nil {
			return nil, err
		}
		return nil, errors.NewProtocolError("sftp: STATUS OK where EXTENDED_REPLY expected")
	}
	if r.typ != PacketExtendedReply {
		return nil, errors.NewProtocolError("sftp: expected EXTENDED_REPLY, got packet type %d", r.typ)
	}
	var out StatVFS
	fields := []*uint64{
		&out.BlockSize, &out.FragmentSize, &out.Blocks, &out.BlocksFree,
		&out.BlocksAvail, &out.Files, &out.FilesFree, &out.FilesAvail,
		&out.FilesystemID, &out.MountFlags, &out.MaxNameLength,
	}
	for _, field := range fields {
		v, err := r.buf.GetUint64()
		if err != nil {
			return nil, err
		}
		*field = v
	}
	return &out, nil
}

// HandlePath reports the path a handle was opened for, if still cached;
// used for diagnostics only.
func (c *Client) HandlePath(h *Handle) (string, bool) {
	return c.handles.Get(h.value)
}
