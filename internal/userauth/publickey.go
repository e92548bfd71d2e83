package userauth

import (
	"golang.org/x/crypto/ssh"

	"github.com/sshcore/sshcore/internal/wire"
)

// PublickeyMethod implements RFC 4252 section 7, including the
// signature-less "query" form a client sends to check key acceptability
// before committing to a signed request. Key material is consumed only
// as the opaque ssh.PublicKey/ssh.Signature capability types: this
// package never constructs or stores keys.
type PublickeyMethod struct {
	// Authorize reports whether key is an acceptable authenticator for
	// user. It is consulted before signature verification so an
	// unrecognized key can be rejected (or a query answered) without the
	// cost of a signature check.
	Authorize func(user string, key ssh.PublicKey) bool
}

func (m *PublickeyMethod) Name() string { return "publickey" }

func (m *PublickeyMethod) NewState(svc *Service) MethodState {
	return &publickeyState{method: m, svc: svc}
}

type publickeyState struct {
	method *PublickeyMethod
	svc    *Service
}

func (s *publickeyState) Auth(ctx *Context, payload *wire.Buffer) (*bool, error) {
	hasSignature, err := payload.GetBool()
	if err != nil {
		return nil, err
	}
	algo, err := payload.GetString()
	if err != nil {
		return nil, err
	}
	blob, err := payload.GetStringBytes()
	if err != nil {
		return nil, err
	}

	key, err := ssh.ParsePublicKey(blob)
	if err != nil {
		return rejected(), nil
	}
	if !s.method.Authorize(ctx.User, key) {
		return rejected(), nil
	}

	if !hasSignature {
		return nil, s.sendPkOk(algo, blob)
	}

	sigBytes, err := payload.GetStringBytes()
	if err != nil {
		return nil, err
	}
	var sig ssh.Signature
	if err := ssh.Unmarshal(sigBytes, &sig); err != nil {
		return rejected(), nil
	}
	signedData := publickeySignedData(s.svc.cfg.SessionID, ctx.User, ctx.Service, algo, blob)
	if err := key.Verify(signedData, &sig); err != nil {
		return rejected(), nil
	}
	return accepted(), nil
}

func (s *publickeyState) Next(_ *Context, _ *wire.Buffer) (*bool, error) {
	return rejected(), nil
}

// sendPkOk replies SSH_MSG_USERAUTH_PK_OK to a signature-less query,
// inviting the client to resend as a fully signed USERAUTH_REQUEST. The
// query itself stays "in progress": no SUCCESS/FAILURE is sent for it.
func (s *publickeyState) sendPkOk(algo string, blob []byte) error {
	buf := wire.NewPacketBuffer()
	buf.PutByte(MsgUserAuthPkOk)
	buf.PutString(algo)
	buf.PutUint32(uint32(len(blob)))
	buf.PutBytes(blob)
	return s.svc.transport.WritePacket(buf.Payload(wire.HeaderReserve))
}

// publickeySignedData builds the exact byte string RFC 4252 section 7
// requires a publickey signature to cover: session id, request type,
// user, service, method name, the TRUE has-signature flag, the
// algorithm name, and the key blob.
func publickeySignedData(sessionID []byte, user, service, algo string, blob []byte) []byte {
	buf := wire.NewBuffer()
	buf.PutString(string(sessionID))
	buf.PutByte(MsgUserAuthRequest)
	buf.PutString(user)
	buf.PutString(service)
	buf.PutString("publickey")
	buf.PutBool(true)
	buf.PutString(algo)
	buf.PutUint32(uint32(len(blob)))
	buf.PutBytes(blob)
	return buf.Payload(0)
}
