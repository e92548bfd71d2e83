package sftp

import (
	"encoding/binary"
	"io"
	"os"
	"strconv"
	"sync"

	"github.com/sshcore/sshcore/internal/debug"
	"github.com/sshcore/sshcore/internal/errors"
	"github.com/sshcore/sshcore/internal/wire"
)

// readdirBatch is how many entries a single READDIR reply carries at
// most.
const readdirBatch = 128

// maxReadLength caps a single READ request's length so a misbehaving
// client cannot make the server allocate unboundedly.
const maxReadLength = 256 * 1024

// Server runs the sftp subsystem on one channel: it decodes client
// request packets against a FileSystem and writes the replies. One
// Server serves exactly one channel; the channel owns it.
type Server struct {
	conn io.ReadWriter
	fs   FileSystem

	version int

	mu         sync.Mutex
	handles    map[string]*serverHandle
	nextHandle uint64
}

type serverHandle struct {
	path string
	file File
	dir  DirReader
}

// NewServer returns a Server ready to Serve requests from conn against
// fs.
func NewServer(conn io.ReadWriter, fs FileSystem) *Server {
	return &Server{
		conn:    conn,
		fs:      fs,
		handles: make(map[string]*serverHandle),
	}
}

// Serve processes requests until the stream closes or a framing error
// occurs. The INIT/VERSION exchange happens on the first packet.
func (s *Server) Serve() error {
	defer s.closeAllHandles()

	typ, buf, err := readFrame(s.conn)
	if err != nil {
		return err
	}
	if typ != PacketInit {
		return errors.NewProtocolError("sftp: expected INIT, got packet type %d", typ)
	}
	clientVersion, err := buf.GetUint32()
	if err != nil {
		return err
	}
	s.version = int(clientVersion)
	if s.version > VersionMax {
		s.version = VersionMax
	}
	if s.version < VersionMin {
		s.version = VersionMin
	}
	if err := s.sendVersion(); err != nil {
		return err
	}
	debug.Log("sftp server: serving version %d (client offered %d)", s.version, clientVersion)

	for {
		typ, buf, err := readFrame(s.conn)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		id, err := buf.GetUint32()
		if err != nil {
			return err
		}
		if err := s.handle(typ, id, buf); err != nil {
			return err
		}
	}
}

func (s *Server) sendVersion() error {
	out := wire.NewBuffer()
	out.PutByte(PacketVersion)
	out.PutUint32(uint32(s.version))
	out.PutString(ExtPosixRename)
	out.PutString("1")
	if _, ok := s.fs.(HardLinker); ok {
		out.PutString(ExtHardlink)
		out.PutString("1")
	}
	if _, ok := s.fs.(VFSStater); ok {
		out.PutString(ExtStatVFS)
		out.PutString("2")
	}
	return s.writeFrame(out)
}

func (s *Server) writeFrame(payload *wire.Buffer) error {
	body := payload.Payload(0)
	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[4:], body)
	_, err := s.conn.Write(frame)
	return err
}

// handle dispatches one request. Backend errors become STATUS replies;
// only framing/stream errors propagate and end the session.
func (s *Server) handle(typ byte, id uint32, buf *wire.Buffer) error {
	debug.RunHook("sftp.server.request", typ)
	switch typ {
	case PacketOpen:
		return s.handleOpen(id, buf)
	case PacketClose:
		return s.handleClose(id, buf)
	case PacketRead:
		return s.handleRead(id, buf)
	case PacketWrite:
		return s.handleWrite(id, buf)
	case PacketOpendir:
		return s.handleOpendir(id, buf)
	case PacketReaddir:
		return s.handleReaddir(id, buf)
	case PacketStat, PacketLstat:
		return s.handleStat(typ, id, buf)
	case PacketFstat:
		return s.handleFstat(id, buf)
	case PacketSetstat:
		return s.handleSetstat(id, buf)
	case PacketFsetstat:
		return s.handleFsetstat(id, buf)
	case PacketRemove:
		return s.pathOp(id, buf, s.fs.Remove)
	case PacketRmdir:
		return s.pathOp(id, buf, s.fs.Rmdir)
	case PacketMkdir:
		return s.handleMkdir(id, buf)
	case PacketRename:
		return s.handleRename(id, buf)
	case PacketReadlink:
		return s.handleReadlink(id, buf)
	case PacketSymlink:
		return s.handleSymlink(id, buf)
	case PacketLink:
		return s.handleLink(id, buf)
	case PacketRealpath:
		return s.handleRealpath(id, buf)
	case PacketExtended:
		return s.handleExtended(id, buf)
	default:
		return s.sendStatus(id, StatusOpUnsupported, "unsupported packet type "+strconv.Itoa(int(typ)))
	}
}

func (s *Server) sendStatus(id uint32, code uint32, msg string) error {
	out := wire.NewBuffer()
	out.PutByte(PacketStatus)
	out.PutUint32(id)
	out.PutUint32(code)
	out.PutString(msg)
	out.PutString("en")
	return s.writeFrame(out)
}

// sendError maps a backend error to a STATUS reply.
func (s *Server) sendError(id uint32, err error) error {
	var sftpErr *errors.SftpError
	switch {
	case err == nil:
		return s.sendStatus(id, StatusOK, "")
	case errors.As(err, &sftpErr):
		return s.sendStatus(id, sftpErr.Code, sftpErr.Message)
	case os.IsNotExist(err):
		return s.sendStatus(id, StatusNoSuchFile, err.Error())
	case os.IsPermission(err):
		return s.sendStatus(id, StatusPermissionDenied, err.Error())
	case os.IsExist(err):
		return s.sendStatus(id, StatusFileAlreadyExists, err.Error())
	case err == io.EOF:
		return s.sendStatus(id, StatusEOF, "end of file")
	default:
		return s.sendStatus(id, StatusFailure, err.Error())
	}
}

func (s *Server) storeHandle(h *serverHandle) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextHandle++
	key := strconv.FormatUint(s.nextHandle, 16)
	s.handles[key] = h
	return key
}

func (s *Server) lookupHandle(key string) (*serverHandle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[key]
	return h, ok
}

func (s *Server) removeHandle(key string) (*serverHandle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[key]
	delete(s.handles, key)
	return h, ok
}

func (s *Server) closeAllHandles() {
	s.mu.Lock()
	handles := s.handles
	s.handles = make(map[string]*serverHandle)
	s.mu.Unlock()
	for _, h := range handles {
		if h.file != nil {
			h.file.Close()
		}
		if h.dir != nil {
			h.dir.Close()
		}
	}
}

func (s *Server) sendHandle(id uint32, key string) error {
	out := wire.NewBuffer()
	out.PutByte(PacketHandle)
	out.PutUint32(id)
	out.PutString(key)
	return s.writeFrame(out)
}

func (s *Server) handleOpen(id uint32, buf *wire.Buffer) error {
	path, err := buf.GetString()
	if err != nil {
		return err
	}
	var mode OpenMode
	if s.version >= 5 {
		access, err := buf.GetUint32()
		if err != nil {
			return err
		}
		flags, err := buf.GetUint32()
		if err != nil {
			return err
		}
		mode = modeFromV5(access, flags)
	} else {
		flags, err := buf.GetUint32()
		if err != nil {
			return err
		}
		mode = modeFromV3(flags)
	}
	attrs, err := DecodeAttributes(buf, s.version)
	if err != nil {
		return err
	}

	file, err := s.fs.Open(path, mode, attrs)
	if err != nil {
		return s.sendError(id, err)
	}
	key := s.storeHandle(&serverHandle{path: path, file: file})
	return s.sendHandle(id, key)
}

func modeFromV3(flags uint32) OpenMode {
	return OpenMode{
		Read:      flags&FlagRead != 0,
		Write:     flags&FlagWrite != 0,
		Append:    flags&FlagAppend != 0,
		Create:    flags&FlagCreate != 0,
		Truncate:  flags&FlagTrunc != 0,
		Exclusive: flags&FlagExcl != 0,
	}
}

func modeFromV5(access, flags uint32) OpenMode {
	m := OpenMode{
		Read:   access&AceReadData != 0,
		Write:  access&(AceWriteData|AceAppendData) != 0,
		Append: access&AceAppendData != 0 || flags&flagAppendData != 0,
	}
	switch flags & dispositionMask {
	case DispositionCreateNew:
		m.Create, m.Exclusive = true, true
	case DispositionCreateTruncate:
		m.Create, m.Truncate = true, true
	case DispositionOpenOrCreate:
		m.Create = true
	case DispositionTruncateExisting:
		m.Truncate = true
	}
	return m
}

func (s *Server) handleClose(id uint32, buf *wire.Buffer) error {
	key, err := buf.GetString()
	if err != nil {
		return err
	}
	h, ok := s.removeHandle(key)
	if !ok {
		return s.sendStatus(id, StatusInvalidHandle, "no such handle")
	}
	var closeErr error
	if h.file != nil {
		closeErr = h.file.Close()
	}
	if h.dir != nil {
		closeErr = h.dir.Close()
	}
	return s.sendError(id, closeErr)
}

func (s *Server) handleRead(id uint32, buf *wire.Buffer) error {
	key, err := buf.GetString()
	if err != nil {
		return err
	}
	offset, err := buf.GetUint64()
	if err != nil {
		return err
	}
	length, err := buf.GetUint32()
	if err != nil {
		return err
	}
	if length > maxReadLength {
		length = maxReadLength
	}

	h, ok := s.lookupHandle(key)
	if !ok || h.file == nil {
		return s.sendStatus(id, StatusInvalidHandle, "no such file handle")
	}

	data := make([]byte, length)
	n, err := h.file.ReadAt(data, int64(offset))
	if n == 0 && err != nil {
		return s.sendError(id, err)
	}

	out := wire.NewBuffer()
	out.PutByte(PacketData)
	out.PutUint32(id)
	out.PutUint32(uint32(n))
	out.PutBytes(data[:n])
	return s.writeFrame(out)
}

func (s *Server) handleWrite(id uint32, buf *wire.Buffer) error {
	key, err := buf.GetString()
	if err != nil {
		return err
	}
	offset, err := buf.GetUint64()
	if err != nil {
		return err
	}
	data, err := buf.GetStringBytes()
	if err != nil {
		return err
	}

	h, ok := s.lookupHandle(key)
	if !ok || h.file == nil {
		return s.sendStatus(id, StatusInvalidHandle, "no such file handle")
	}
	_, err = h.file.WriteAt(data, int64(offset))
	return s.sendError(id, err)
}

func (s *Server) handleOpendir(id uint32, buf *wire.Buffer) error {
	path, err := buf.GetString()
	if err != nil {
		return err
	}
	dir, err := s.fs.OpenDir(path)
	if err != nil {
		return s.sendError(id, err)
	}
	key := s.storeHandle(&serverHandle{path: path, dir: dir})
	return s.sendHandle(id, key)
}

func (s *Server) handleReaddir(id uint32, buf *wire.Buffer) error {
	key, err := buf.GetString()
	if err != nil {
		return err
	}
	h, ok := s.lookupHandle(key)
	if !ok || h.dir == nil {
		return s.sendStatus(id, StatusInvalidHandle, "no such directory handle")
	}
	entries, err := h.dir.ReadEntries(readdirBatch)
	if err != nil && len(entries) == 0 {
		return s.sendError(id, err)
	}
	return s.sendNames(id, entries)
}

func (s *Server) sendNames(id uint32, entries []NameEntry) error {
	out := wire.NewBuffer()
	out.PutByte(PacketName)
	out.PutUint32(id)
	out.PutUint32(uint32(len(entries)))
	for _, e := range entries {
		out.PutString(e.Filename)
		if s.version <= 3 {
			out.PutString(e.Longname)
		}
		attrs := e.Attrs
		if attrs == nil {
			attrs = &Attributes{}
		}
		attrs.Encode(out, s.version)
	}
	return s.writeFrame(out)
}

func (s *Server) sendAttrs(id uint32, attrs *Attributes) error {
	out := wire.NewBuffer()
	out.PutByte(PacketAttrs)
	out.PutUint32(id)
	attrs.Encode(out, s.version)
	return s.writeFrame(out)
}

func (s *Server) handleStat(typ byte, id uint32, buf *wire.Buffer) error {
	path, err := buf.GetString()
	if err != nil {
		return err
	}
	if s.version >= 4 && buf.Available() >= 4 {
		// v4+ adds a desired-flags field; this server always answers
		// with every attribute it has.
		if _, err := buf.GetUint32(); err != nil {
			return err
		}
	}
	stat := s.fs.Stat
	if typ == PacketLstat {
		stat = s.fs.Lstat
	}
	attrs, err := stat(path)
	if err != nil {
		return s.sendError(id, err)
	}
	return s.sendAttrs(id, attrs)
}

func (s *Server) handleFstat(id uint32, buf *wire.Buffer) error {
	key, err := buf.GetString()
	if err != nil {
		return err
	}
	h, ok := s.lookupHandle(key)
	if !ok || h.file == nil {
		return s.sendStatus(id, StatusInvalidHandle, "no such file handle")
	}
	attrs, err := h.file.Stat()
	if err != nil {
		return s.sendError(id, err)
	}
	return s.sendAttrs(id, attrs)
}

func (s *Server) handleSetstat(id uint32, buf *wire.Buffer) error {
	path, err := buf.GetString()
	if err != nil {
		return err
	}
	attrs, err := DecodeAttributes(buf, s.version)
	if err != nil {
		return err
	}
	return s.sendError(id, s.fs.Setstat(path, attrs))
}

func (s *Server) handleFsetstat(id uint32, buf *wire.Buffer) error {
	key, err := buf.GetString()
	if err != nil {
		return err
	}
	attrs, err := DecodeAttributes(buf, s.version)
	if err != nil {
		return err
	}
	h, ok := s.lookupHandle(key)
	if !ok || h.file == nil {
		return s.sendStatus(id, StatusInvalidHandle, "no such file handle")
	}
	return s.sendError(id, h.file.Setstat(attrs))
}

func (s *Server) pathOp(id uint32, buf *wire.Buffer, op func(string) error) error {
	path, err := buf.GetString()
	if err != nil {
		return err
	}
	return s.sendError(id, op(path))
}

func (s *Server) handleMkdir(id uint32, buf *wire.Buffer) error {
	path, err := buf.GetString()
	if err != nil {
		return err
	}
	attrs, err := DecodeAttributes(buf, s.version)
	if err != nil {
		return err
	}
	return s.sendError(id, s.fs.Mkdir(path, attrs))
}

func (s *Server) handleRename(id uint32, buf *wire.Buffer) error {
	oldPath, err := buf.GetString()
	if err != nil {
		return err
	}
	newPath, err := buf.GetString()
	if err != nil {
		return err
	}
	// v5+ carries a flags field; this server's Rename is atomic anyway.
	if s.version >= 5 && buf.Available() >= 4 {
		if _, err := buf.GetUint32(); err != nil {
			return err
		}
	}
	return s.sendError(id, s.fs.Rename(oldPath, newPath))
}

func (s *Server) handleReadlink(id uint32, buf *wire.Buffer) error {
	path, err := buf.GetString()
	if err != nil {
		return err
	}
	target, err := s.fs.ReadLink(path)
	if err != nil {
		return s.sendError(id, err)
	}
	return s.sendNames(id, []NameEntry{{Filename: target, Longname: target, Attrs: &Attributes{}}})
}

func (s *Server) handleSymlink(id uint32, buf *wire.Buffer) error {
	// v3 SYMLINK: target first, then link path.
	target, err := buf.GetString()
	if err != nil {
		return err
	}
	link, err := buf.GetString()
	if err != nil {
		return err
	}
	return s.sendError(id, s.fs.Symlink(target, link))
}

func (s *Server) handleLink(id uint32, buf *wire.Buffer) error {
	link, err := buf.GetString()
	if err != nil {
		return err
	}
	target, err := buf.GetString()
	if err != nil {
		return err
	}
	symbolic, err := buf.GetBool()
	if err != nil {
		return err
	}
	if symbolic {
		return s.sendError(id, s.fs.Symlink(target, link))
	}
	hl, ok := s.fs.(HardLinker)
	if !ok {
		return s.sendStatus(id, StatusOpUnsupported, "hard links not supported")
	}
	return s.sendError(id, hl.Link(target, link))
}

func (s *Server) handleRealpath(id uint32, buf *wire.Buffer) error {
	path, err := buf.GetString()
	if err != nil {
		return err
	}
	resolved, err := s.fs.RealPath(path)
	if err != nil {
		return s.sendError(id, err)
	}
	return s.sendNames(id, []NameEntry{{Filename: resolved, Longname: resolved, Attrs: &Attributes{}}})
}

func (s *Server) handleExtended(id uint32, buf *wire.Buffer) error {
	name, err := buf.GetString()
	if err != nil {
		return err
	}
	switch name {
	case ExtPosixRename:
		oldPath, err := buf.GetString()
		if err != nil {
			return err
		}
		newPath, err := buf.GetString()
		if err != nil {
			return err
		}
		return s.sendError(id, s.fs.Rename(oldPath, newPath))
	case ExtHardlink:
		target, err := buf.GetString()
		if err != nil {
			return err
		}
		link, err := buf.GetString()
		if err != nil {
			return err
		}
		hl, ok := s.fs.(HardLinker)
		if !ok {
			return s.sendStatus(id, StatusOpUnsupported, "hard links not supported")
		}
		return s.sendError(id, hl.Link(target, link))
	case ExtStatVFS, ExtFstatVFS:
		return s.handleStatVFS(id, name, buf)
	default:
		return s.sendStatus(id, StatusOpUnsupported, "unknown extension "+name)
	}
}

func (s *Server) handleStatVFS(id uint32, name string, buf *wire.Buffer) error {
	vs, ok := s.fs.(VFSStater)
	if !ok {
		return s.sendStatus(id, StatusOpUnsupported, name+" not supported")
	}
	var path string
	if name == ExtFstatVFS {
		key, err := buf.GetString()
		if err != nil {
			return err
		}
		h, ok := s.lookupHandle(key)
		if !ok {
			return s.sendStatus(id, StatusInvalidHandle, "no such handle")
		}
		path = h.path
	} else {
		var err error
		if path, err = buf.GetString(); err != nil {
			return err
		}
	}
	stat, err := vs.StatVFS(path)
	if err != nil {
		return s.sendError(id, err)
	}
	out := wire.NewBuffer()
	out.PutByte(PacketExtendedReply)
	out.PutUint32(id)
	for _, v := range []uint64{
		stat.BlockSize, stat.FragmentSize, stat.Blocks, stat.BlocksFree,
		stat.BlocksAvail, stat.Files, stat.FilesFree, stat.FilesAvail,
		stat.FilesystemID, stat.MountFlags, stat.MaxNameLength,
	} {
		out.PutUint64(v)
	}
	return s.writeFrame(out)
}
