package userauth

import "github.com/sshcore/sshcore/internal/wire"

// NoneMethod implements the "none" method of RFC 4252 section 5.2: by
// default it always rejects, which is how a client discovers the
// server's configured method list before trying anything stronger.
// Setting Allow lets a server accept unauthenticated sessions outright.
type NoneMethod struct {
	Allow func(user string) bool
}

func (m *NoneMethod) Name() string { return "none" }

func (m *NoneMethod) NewState(svc *Service) MethodState { return &noneState{method: m} }

type noneState struct {
	method *NoneMethod
}

func (s *noneState) Auth(ctx *Context, _ *wire.Buffer) (*bool, error) {
	if s.method.Allow != nil && s.method.Allow(ctx.User) {
		return accepted(), nil
	}
	return rejected(), nil
}

func (s *noneState) Next(_ *Context, _ *wire.Buffer) (*bool, error) {
	return rejected(), nil
}
