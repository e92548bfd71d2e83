package userauth

import (
	"crypto/rand"
	"sync"

	"golang.org/x/crypto/ssh"

	"github.com/sshcore/sshcore/internal/debug"
	"github.com/sshcore/sshcore/internal/errors"
	"github.com/sshcore/sshcore/internal/future"
	"github.com/sshcore/sshcore/internal/wire"
)

// ClientConfig configures a client-side authentication run.
type ClientConfig struct {
	User    string
	Service string

	// Signers are tried in order for the publickey method; key material
	// enters this package only as the opaque ssh.Signer capability.
	Signers []ssh.Signer
	// Password, if non-nil, supplies the password method's secret. It
	// is consulted once per attempt.
	Password func() (string, error)
	// Banner, if non-nil, receives USERAUTH_BANNER text.
	Banner func(message string)
	// SessionID is the transport's exchange hash; publickey signatures
	// cover it per RFC 4252 section 7.
	SessionID []byte
}

// Client drives authentication from the requesting side: it sends
// USERAUTH_REQUEST messages and walks the server's advertised method
// list until USERAUTH_SUCCESS arrives or no methods remain. The outcome
// future resolves to true on success, or to an error.
type Client struct {
	transport Transport
	cfg       ClientConfig

	mu           sync.Mutex
	started      bool
	signerIdx    int
	triedPass    bool
	pendingQuery ssh.Signer

	outcome *future.Future
}

// NewClient returns a Client ready to Start.
func NewClient(transport Transport, cfg ClientConfig) *Client {
	return &Client{
		transport: transport,
		cfg:       cfg,
		outcome:   future.New(),
	}
}

// Outcome resolves once authentication concludes: true on
// USERAUTH_SUCCESS, an error once every method is exhausted.
func (c *Client) Outcome() *future.Future { return c.outcome }

// Start opens the run with a "none" request, whose expected failure
// reply reveals the server's method list (RFC 4252 section 5.2).
func (c *Client) Start() error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.mu.Unlock()

	buf := c.requestHeader("none")
	return c.transport.WritePacket(buf.Payload(wire.HeaderReserve))
}

func (c *Client) requestHeader(method string) *wire.Buffer {
	buf := wire.NewPacketBuffer()
	buf.PutByte(MsgUserAuthRequest)
	buf.PutString(c.cfg.User)
	buf.PutString(c.cfg.Service)
	buf.PutString(method)
	return buf
}

// HandleMessage dispatches one authentication-phase message from the
// server.
func (c *Client) HandleMessage(cmd byte, buf *wire.Buffer) error {
	switch cmd {
	case MsgUserAuthSuccess:
		c.outcome.Set(true)
		return nil
	case MsgUserAuthFailure:
		return c.handleFailure(buf)
	case MsgUserAuthBanner:
		return c.handleBanner(buf)
	case MsgUserAuthPkOk:
		return c.handlePkOk(buf)
	default:
		return errors.NewProtocolError("unexpected authentication message type %d", cmd)
	}
}

func (c *Client) handleBanner(buf *wire.Buffer) error {
	message, err := buf.GetString()
	if err != nil {
		return err
	}
	_, _ = buf.GetString() // language tag
	if c.cfg.Banner != nil {
		c.cfg.Banner(message)
	}
	return nil
}

func (c *Client) handleFailure(buf *wire.Buffer) error {
	methods, err := buf.GetNameList()
	if err != nil {
		return err
	}
	partial, err := buf.GetBool()
	if err != nil {
		return err
	}
	debug.Log("userauth client: failure, continue with %v (partial=%v)", methods, partial)

	c.mu.Lock()
	c.pendingQuery = nil
	c.mu.Unlock()

	return c.tryNext(methods)
}

// tryNext picks the next attempt from the server's advertised list:
// every signer in order via publickey, then password, then give up.
func (c *Client) tryNext(methods []string) error {
	allowed := make(map[string]bool, len(methods))
	for _, m := range methods {
		allowed[m] = true
	}

	if allowed["publickey"] {
		c.mu.Lock()
		var signer ssh.Signer
		if c.signerIdx < len(c.cfg.Signers) {
			signer = c.cfg.Signers[c.signerIdx]
			c.signerIdx++
			c.pendingQuery = signer
		}
		c.mu.Unlock()
		if signer != nil {
			return c.sendPublickeyQuery(signer)
		}
	}

	if allowed["password"] && c.cfg.Password != nil {
		c.mu.Lock()
		tried := c.triedPass
		c.triedPass = true
		c.mu.Unlock()
		if !tried {
			return c.sendPassword()
		}
	}

	c.outcome.Set(errors.NewAuthError("", "no authentication method succeeded (server offers %v)", methods))
	return nil
}

// sendPublickeyQuery sends the signature-less probe form; the server
// answers PK_OK if the key is acceptable, FAILURE otherwise.
func (c *Client) sendPublickeyQuery(signer ssh.Signer) error {
	pub := signer.PublicKey()
	buf := c.requestHeader("publickey")
	buf.PutBool(false)
	buf.PutString(pub.Type())
	buf.PutString(string(pub.Marshal()))
	return c.transport.WritePacket(buf.Payload(wire.HeaderReserve))
}

// handlePkOk answers a successful key probe with the fully signed
// request.
func (c *Client) handlePkOk(buf *wire.Buffer) error {
	algo, err := buf.GetString()
	if err != nil {
		return err
	}
	if _, err := buf.GetStringBytes(); err != nil { // echoed blob
		return err
	}

	c.mu.Lock()
	signer := c.pendingQuery
	c.pendingQuery = nil
	c.mu.Unlock()
	if signer == nil {
		return errors.NewProtocolError("PK_OK with no public-key query outstanding")
	}

	pub := signer.PublicKey()
	blob := pub.Marshal()
	signed := publickeySignedData(c.cfg.SessionID, c.cfg.User, c.cfg.Service, algo, blob)
	sig, err := signer.Sign(rand.Reader, signed)
	if err != nil {
		return errors.Wrap(err, "userauth: sign")
	}

	out := c.requestHeader("publickey")
	out.PutBool(true)
	out.PutString(algo)
	out.PutString(string(blob))
	out.PutString(string(ssh.Marshal(sig)))
	return c.transport.WritePacket(out.Payload(wire.HeaderReserve))
}

func (c *Client) sendPassword() error {
	password, err := c.cfg.Password()
	if err != nil {
		c.outcome.Set(errors.Wrap(err, "userauth: password callback"))
		return nil
	}
	buf := c.requestHeader("password")
	buf.PutBool(false)
	buf.PutString(password)
	return c.transport.WritePacket(buf.Payload(wire.HeaderReserve))
}
