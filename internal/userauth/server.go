package userauth

import (
	"strings"
	"sync"

	"github.com/sshcore/sshcore/internal/debug"
	"github.com/sshcore/sshcore/internal/errors"
	"github.com/sshcore/sshcore/internal/wire"
)

// Transport is the narrow collaborator this package needs: a
// non-blocking packet sender, the same abstraction internal/channel and
// internal/connection depend on.
type Transport interface {
	WritePacket(payload []byte) error
}

// Config configures a server-side Service.
type Config struct {
	// Chains is the configured disjunction of method chains, e.g.
	// AuthMethods = "publickey,password" parses to a single chain
	// [["publickey", "password"]]; "publickey keyboard-interactive,password"
	// style configs parse to multiple chains.
	Chains [][]string
	// MaxAttempts bounds USERAUTH_REQUEST messages per session. Zero
	// uses DefaultMaxAttempts.
	MaxAttempts int
	// Banner, if non-empty, is sent via USERAUTH_BANNER immediately
	// before USERAUTH_SUCCESS.
	Banner string
	// MaxConcurrentSessions, if positive, is enforced via
	// ConcurrentSessionCounter once a user authenticates.
	MaxConcurrentSessions int
	// ConcurrentSessionCounter reports how many sessions the given user
	// currently holds, not counting this one. Required if
	// MaxConcurrentSessions is positive.
	ConcurrentSessionCounter func(user string) int
	// OnAuthenticated starts the requested service (e.g. "ssh-connection")
	// once authentication completes successfully.
	OnAuthenticated func(user, service string) error
	// SessionID is the transport's exchange hash identifying this
	// connection, opaque to this package; the publickey method signs
	// over it per RFC 4252 section 7.
	SessionID []byte
}

// Service is the server-side USERAUTH_REQUEST state machine of RFC
// 4252. One Service is created per transport session.
type Service struct {
	mu sync.Mutex

	transport Transport
	cfg       Config
	methods   map[string]Method

	chains [][]string

	userSet       bool
	user          string
	service       string
	authenticated bool
	attemptCount  int

	current     MethodState
	currentName string
}

// New returns a Service ready to process USERAUTH_REQUEST messages.
func New(transport Transport, methods []Method, cfg Config) *Service {
	m := make(map[string]Method, len(methods))
	for _, method := range methods {
		m[strings.ToLower(method.Name())] = method
	}
	chains := make([][]string, len(cfg.Chains))
	copy(chains, cfg.Chains)
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	return &Service{
		transport: transport,
		cfg:       cfg,
		methods:   m,
		chains:    chains,
	}
}

// HandleMessage dispatches one authentication-phase message: either the
// top-level USERAUTH_REQUEST (cmd 50) or a follow-up message belonging
// to the in-progress method.
func (s *Service) HandleMessage(cmd byte, buf *wire.Buffer) error {
	if cmd == MsgUserAuthRequest {
		return s.handleRequest(buf)
	}
	return s.handleFollowUp(cmd, buf)
}

func (s *Service) handleRequest(buf *wire.Buffer) error {
	user, err := buf.GetString()
	if err != nil {
		return err
	}
	service, err := buf.GetString()
	if err != nil {
		return err
	}
	methodName, err := buf.GetString()
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.authenticated {
		s.mu.Unlock()
		return errors.NewProtocolError("USERAUTH_REQUEST received after authentication completed")
	}
	if !s.userSet {
		s.user, s.service, s.userSet = user, service, true
	} else if user != s.user || service != s.service {
		s.mu.Unlock()
		return errors.NewProtocolError("user/service changed mid-session: %q/%q -> %q/%q", s.user, s.service, user, service)
	}
	s.attemptCount++
	if s.attemptCount > s.cfg.MaxAttempts {
		s.mu.Unlock()
		return errors.NewProtocolError("too many authentication attempts (%d)", s.attemptCount)
	}
	method, ok := s.methods[strings.ToLower(methodName)]
	isHead := false
	for _, chain := range s.chains {
		if len(chain) > 0 && strings.EqualFold(chain[0], methodName) {
			isHead = true
			break
		}
	}
	s.mu.Unlock()

	if !ok {
		debug.Log("userauth: unknown method %q from %q", methodName, user)
		return s.sendFailure(false, "")
	}
	// A method that is not currently the head of any chain cannot make
	// progress; reject it without running the method at all.
	if !isHead {
		debug.Log("userauth: method %q requested out of order by %q", methodName, user)
		return s.sendFailure(false, methodName)
	}

	state := method.NewState(s)
	s.mu.Lock()
	s.current = state
	s.currentName = method.Name()
	s.mu.Unlock()

	result, authErr := state.Auth(&Context{User: user, Service: service}, buf)
	return s.resolve(method.Name(), result, authErr)
}

func (s *Service) handleFollowUp(cmd byte, buf *wire.Buffer) error {
	s.mu.Lock()
	state := s.current
	name := s.currentName
	user, service := s.user, s.service
	s.mu.Unlock()

	if state == nil {
		return errors.NewProtocolError("unexpected authentication follow-up message %d with no method in progress", cmd)
	}

	// Rewind so the message-type byte is visible to the method.
	rewound := wire.NewBuffer()
	rewound.PutByte(cmd)
	rest, err := buf.GetBytes(buf.Available())
	if err != nil {
		return err
	}
	rewound.PutBytes(rest)
	rewound.SetRpos(0)

	result, authErr := state.Next(&Context{User: user, Service: service}, rewound)
	return s.resolve(name, result, authErr)
}

func (s *Service) resolve(methodName string, result *bool, authErr error) error {
	if authErr != nil {
		debug.Log("userauth: method %q error: %v", methodName, authErr)
		result = rejected()
	}
	if result == nil {
		return nil // still in progress
	}

	s.mu.Lock()
	s.current = nil
	s.currentName = ""
	s.mu.Unlock()

	if !*result {
		return s.sendFailure(false, methodName)
	}

	s.mu.Lock()
	authenticated := s.consumeMethod(methodName)
	s.mu.Unlock()

	if !authenticated {
		return s.sendFailure(true, "")
	}
	return s.finishAuthentication()
}

// consumeMethod removes methodName from the head of every chain
// currently led by it and reports whether any chain became empty. Must
// be called with s.mu held.
func (s *Service) consumeMethod(methodName string) (authenticated bool) {
	for i, chain := range s.chains {
		if len(chain) > 0 && strings.EqualFold(chain[0], methodName) {
			chain = chain[1:]
			s.chains[i] = chain
			if len(chain) == 0 {
				authenticated = true
			}
		}
	}
	return authenticated
}

func (s *Service) finishAuthentication() error {
	s.mu.Lock()
	if s.cfg.MaxConcurrentSessions > 0 && s.cfg.ConcurrentSessionCounter != nil {
		if s.cfg.ConcurrentSessionCounter(s.user) >= s.cfg.MaxConcurrentSessions {
			s.mu.Unlock()
			return s.sendFailure(true, "")
		}
	}
	s.authenticated = true
	user, service := s.user, s.service
	banner := s.cfg.Banner
	onAuth := s.cfg.OnAuthenticated
	s.mu.Unlock()

	if banner != "" {
		buf := wire.NewPacketBuffer()
		buf.PutByte(MsgUserAuthBanner)
		buf.PutString(banner)
		buf.PutString("en")
		if err := s.transport.WritePacket(buf.Payload(wire.HeaderReserve)); err != nil {
			return err
		}
	}

	buf := wire.NewPacketBuffer()
	buf.PutByte(MsgUserAuthSuccess)
	if err := s.transport.WritePacket(buf.Payload(wire.HeaderReserve)); err != nil {
		return err
	}

	if onAuth != nil {
		return onAuth(user, service)
	}
	return nil
}

// sendFailure sends USERAUTH_FAILURE listing the remaining head-of-chain
// methods, deduplicated and comma-joined. When rejectedMethod is
// non-empty (a method ran and was rejected, or was requested out of
// chain order), the method "none" is dropped from the list;
// acceptance-path partial failures and replies to an unknown method
// name keep it.
func (s *Service) sendFailure(partialSuccess bool, rejectedMethod string) error {
	s.mu.Lock()
	heads := s.currentHeads(rejectedMethod != "")
	s.mu.Unlock()

	buf := wire.NewPacketBuffer()
	buf.PutByte(MsgUserAuthFailure)
	buf.PutNameList(heads)
	buf.PutBool(partialSuccess)
	return s.transport.WritePacket(buf.Payload(wire.HeaderReserve))
}

// currentHeads returns the deduplicated set of methods currently at the
// head of some chain. excludeNone drops "none" from the result, as the
// rejection path requires. Must be called with s.mu held.
func (s *Service) currentHeads(excludeNone bool) []string {
	seen := make(map[string]bool)
	var heads []string
	for _, chain := range s.chains {
		if len(chain) == 0 {
			continue
		}
		h := chain[0]
		key := strings.ToLower(h)
		if excludeNone && key == "none" {
			continue
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		heads = append(heads, h)
	}
	return heads
}

// Authenticated reports whether this session has completed
// authentication.
func (s *Service) Authenticated() (user, service string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user, s.service, s.authenticated
}
