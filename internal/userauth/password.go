package userauth

import "github.com/sshcore/sshcore/internal/wire"

// PasswordMethod implements RFC 4252 section 8. It does not implement
// the password-change sub-protocol: a change-password request is
// answered by verifying the old password only, same as a plain
// authentication attempt, since this module does not own credential
// storage.
type PasswordMethod struct {
	Verify func(user, password string) (bool, error)
}

func (m *PasswordMethod) Name() string { return "password" }

func (m *PasswordMethod) NewState(svc *Service) MethodState { return &passwordState{method: m} }

type passwordState struct {
	method *PasswordMethod
}

func (s *passwordState) Auth(ctx *Context, payload *wire.Buffer) (*bool, error) {
	changeRequested, err := payload.GetBool()
	if err != nil {
		return nil, err
	}
	password, err := payload.GetString()
	if err != nil {
		return nil, err
	}
	if changeRequested {
		// A new password follows; this module has no account store to
		// apply it to, so it is read and discarded.
		if _, err := payload.GetString(); err != nil {
			return nil, err
		}
	}
	ok, err := s.method.Verify(ctx.User, password)
	if err != nil {
		return nil, err
	}
	if !ok {
		return rejected(), nil
	}
	return accepted(), nil
}

func (s *passwordState) Next(_ *Context, _ *wire.Buffer) (*bool, error) {
	return rejected(), nil
}
