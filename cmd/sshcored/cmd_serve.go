package main

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/ssh"

	"github.com/sshcore/sshcore/internal/channel"
	"github.com/sshcore/sshcore/internal/connection"
	"github.com/sshcore/sshcore/internal/debug"
	"github.com/sshcore/sshcore/internal/errors"
	"github.com/sshcore/sshcore/internal/hostconfig"
	"github.com/sshcore/sshcore/internal/portforward"
	"github.com/sshcore/sshcore/internal/sftp"
	"github.com/sshcore/sshcore/internal/userauth"
	"github.com/sshcore/sshcore/internal/wire"
)

var cmdServe = &cobra.Command{
	Use:   "serve",
	Short: "Accept framed sessions and serve authenticated channels",
	RunE: func(_ *cobra.Command, _ []string) error {
		return runServe(&globalOptions)
	},
}

var serveSftpRoot string

func init() {
	cmdRoot.AddCommand(cmdServe)
	cmdServe.Flags().StringVar(&serveSftpRoot, "sftp-root", ".", "`directory` the sftp subsystem serves")
}

// maxFrameLength bounds one transport frame.
const maxFrameLength = 1024 * 1024

// frameTransport is the demonstration stand-in for the binary packet
// protocol: each packet is a uint32 length followed by the payload,
// unencrypted. It satisfies the Transport collaborator every library
// package consumes.
type frameTransport struct {
	conn net.Conn
	mu   sync.Mutex
}

func (t *frameTransport) WritePacket(payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := t.conn.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := t.conn.Write(payload)
	return err
}

func (t *frameTransport) readPacket() ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(t.conn, lenBuf[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 || length > maxFrameLength {
		return nil, errors.NewProtocolError("frame length %d out of range", length)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(t.conn, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func runServe(gopts *GlobalOptions) error {
	chains, err := parseAuthMethods(gopts.AuthMethods)
	if err != nil {
		return err
	}

	var authorize func(user string, key ssh.PublicKey) bool
	if gopts.AuthorizedKeys != "" {
		keys, err := hostconfig.LoadAuthorizedKeys(gopts.AuthorizedKeys, gopts.StrictModes)
		if err != nil {
			return err
		}
		authorize = hostconfig.Authorizer(keys)
	} else {
		authorize = func(string, ssh.PublicKey) bool { return false }
	}

	ln, err := net.Listen("tcp", gopts.Listen)
	if err != nil {
		return errors.Wrap(err, "listen")
	}
	defer ln.Close()
	debug.Log("serve: listening on %s", ln.Addr())

	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go serveConn(conn, gopts, chains, authorize)
	}
}

func serveConn(conn net.Conn, gopts *GlobalOptions, chains [][]string, authorize func(string, ssh.PublicKey) bool) {
	defer conn.Close()
	tr := &frameTransport{conn: conn}

	methods := []userauth.Method{
		&userauth.NoneMethod{},
		&userauth.PublickeyMethod{Authorize: authorize},
		&userauth.PasswordMethod{Verify: func(_, password string) (bool, error) {
			return gopts.Password != "" && password == gopts.Password, nil
		}},
	}

	var svc *connection.ConnectionService
	auth := userauth.New(tr, methods, userauth.Config{
		Chains:      chains,
		MaxAttempts: gopts.MaxAttempts,
		Banner:      gopts.Banner,
		OnAuthenticated: func(user, service string) error {
			debug.Log("serve: %q authenticated for %q", user, service)
			return nil
		},
	})

	svc = connection.New(tr, connection.DefaultConfig())
	forwarder := portforward.New(svc, portforward.Config{})
	svc.RegisterChannelType("direct-tcpip", portforward.DirectTCPIPHandler(forwarder, nil))
	svc.RegisterChannelType("session", func(_ context.Context, ch *channel.Channel, _ *wire.Buffer) error {
		ch.RegisterHandler(sftp.SubsystemHandler(newOSFileSystem(serveSftpRoot)))
		return nil
	})
	defer svc.Close()

	for {
		payload, err := tr.readPacket()
		if err != nil {
			if err != io.EOF {
				debug.Log("serve: session ended: %v", err)
			}
			return
		}
		buf := wire.NewBufferFrom(payload)
		cmd, err := buf.GetByte()
		if err != nil {
			return
		}

		_, _, authenticated := auth.Authenticated()
		if !authenticated {
			err = auth.HandleMessage(cmd, buf)
		} else {
			err = svc.Process(cmd, buf)
		}
		if err != nil {
			// Per the propagation policy, anything the dispatch rules do
			// not absorb disconnects the session.
			debug.Log("serve: disconnecting: %v", err)
			return
		}
	}
}
