package sftp

import (
	"bytes"
	"io"
	"net"
	"testing"

	"github.com/sshcore/sshcore/internal/errors"
)

// startPair connects a Client and a Server over an in-memory duplex
// stream. The server goroutine exits once the client side closes.
func startPair(t *testing.T, fs FileSystem) *Client {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	t.Cleanup(func() {
		clientConn.Close()
		serverConn.Close()
	})

	go NewServer(serverConn, fs).Serve()

	client, err := NewClient(clientConn)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client
}

func TestVersionNegotiation(t *testing.T) {
	client := startPair(t, newMemFS())
	if client.Version() != VersionMax {
		t.Fatalf("version = %d, want %d", client.Version(), VersionMax)
	}
	if !client.HasExtension(ExtPosixRename) {
		t.Fatal("server did not announce posix-rename")
	}
}

func TestOpenReadClose(t *testing.T) {
	fs := newMemFS()
	fs.put("/tmp/x", []byte("0123456789ABCDEF"))
	client := startPair(t, fs)

	h, err := client.Open("/tmp/x", OpenMode{Read: true}, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	p := make([]byte, 16)
	n, err := client.Read(h, 0, p)
	if err != nil && err != io.EOF {
		t.Fatalf("read: %v", err)
	}
	if n != 16 || !bytes.Equal(p[:n], []byte("0123456789ABCDEF")) {
		t.Fatalf("read %d bytes %q", n, p[:n])
	}

	// Reading past the end surfaces FX_EOF as io.EOF.
	n, err = client.Read(h, 16, p)
	if n != 0 || err != io.EOF {
		t.Fatalf("read at eof: n=%d err=%v, want 0, io.EOF", n, err)
	}

	if err := h.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	// Close is idempotent.
	if err := h.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestWriteReadBack(t *testing.T) {
	client := startPair(t, newMemFS())

	h, err := client.Open("/new", OpenMode{Write: true, Create: true}, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := client.Write(h, 0, []byte("hello world")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatal(err)
	}

	attrs, err := client.Stat("/new")
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if attrs.Size != 11 {
		t.Fatalf("size = %d, want 11", attrs.Size)
	}
}

func TestOpenMissingFileReturnsNoSuchFile(t *testing.T) {
	client := startPair(t, newMemFS())

	_, err := client.Open("/nope", OpenMode{Read: true}, nil)
	var sftpErr *errors.SftpError
	if !errors.As(err, &sftpErr) {
		t.Fatalf("error = %v, want *SftpError", err)
	}
	if sftpErr.Code != StatusNoSuchFile {
		t.Fatalf("code = %d, want %d", sftpErr.Code, StatusNoSuchFile)
	}
}

func TestReadDirIteration(t *testing.T) {
	fs := newMemFS()
	fs.put("/a", []byte("1"))
	fs.put("/b", []byte("2"))
	fs.put("/c", []byte("3"))
	client := startPair(t, fs)

	h, err := client.OpenDir("/")
	if err != nil {
		t.Fatalf("opendir: %v", err)
	}
	defer h.Close()

	var names []string
	for {
		entries, err := client.ReadDir(h)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("readdir: %v", err)
		}
		for _, e := range entries {
			names = append(names, e.Filename)
		}
	}
	want := []string{"a", "b", "c"}
	if len(names) != len(want) {
		t.Fatalf("names = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("names = %v, want %v", names, want)
		}
	}
}

func TestRenameUsesPosixRenameExtension(t *testing.T) {
	fs := newMemFS()
	fs.put("/old", []byte("data"))
	client := startPair(t, fs)

	if !client.HasExtension(ExtPosixRename) {
		t.Skip("extension not announced")
	}
	if err := client.Rename("/old", "/renamed"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	if _, err := client.Stat("/renamed"); err != nil {
		t.Fatalf("stat renamed: %v", err)
	}
	if _, err := client.Stat("/old"); err == nil {
		t.Fatal("old path still present after rename")
	}
}

func TestSymlinkAndReadlink(t *testing.T) {
	fs := newMemFS()
	fs.put("/target", []byte("x"))
	client := startPair(t, fs)

	if err := client.Symlink("/target", "/link"); err != nil {
		t.Fatalf("symlink: %v", err)
	}
	got, err := client.ReadLink("/link")
	if err != nil {
		t.Fatalf("readlink: %v", err)
	}
	if got != "/target" {
		t.Fatalf("readlink = %q, want /target", got)
	}
}

func TestHardLinkUnsupportedWithoutBackend(t *testing.T) {
	// memFS does not implement HardLinker, so the v6 LINK request is
	// answered SSH_FX_OP_UNSUPPORTED.
	client := startPair(t, newMemFS())

	err := client.Link("/a", "/b", false)
	var sftpErr *errors.SftpError
	if !errors.As(err, &sftpErr) {
		t.Fatalf("error = %v, want *SftpError", err)
	}
	if sftpErr.Code != StatusOpUnsupported {
		t.Fatalf("code = %d, want %d", sftpErr.Code, StatusOpUnsupported)
	}
}

func TestMkdirRmdirRealpath(t *testing.T) {
	client := startPair(t, newMemFS())

	if err := client.Mkdir("/d", nil); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	attrs, err := client.Stat("/d")
	if err != nil {
		t.Fatal(err)
	}
	if !attrs.IsDir() {
		t.Fatal("stat of created directory is not a directory")
	}
	resolved, err := client.RealPath("d/../d")
	if err != nil {
		t.Fatalf("realpath: %v", err)
	}
	if resolved != "/d" {
		t.Fatalf("realpath = %q, want /d", resolved)
	}
	if err := client.Rmdir("/d"); err != nil {
		t.Fatalf("rmdir: %v", err)
	}
	if _, err := client.Stat("/d"); err == nil {
		t.Fatal("directory still present after rmdir")
	}
}
