package terminal

import (
	"errors"
	"strings"
)

var (
	// ErrBackendClosed is returned for operations on a terminated transport.
	ErrBackendClosed = errors.New("terminal: backend closed")
	// ErrSpawnFailed means the local shell process could not start.
	ErrSpawnFailed = errors.New("terminal: spawn failed")
	// ErrAuthFailed means the remote end rejected the credentials, or no
	// usable credential was available.
	ErrAuthFailed = errors.New("terminal: authentication failed")
	// ErrNetworkFailed covers dial, handshake and transport-level failures.
	ErrNetworkFailed = errors.New("terminal: network failure")
	// ErrProtocolFailed covers channel, PTY and shell negotiation failures.
	ErrProtocolFailed = errors.New("terminal: protocol failure")
	// ErrHostKeyMismatch is returned when a server presents a key that
	// differs from its known_hosts entry. It also matches ErrProtocolFailed.
	ErrHostKeyMismatch error = &hostKeyError{}
)

type hostKeyError struct{}

func (*hostKeyError) Error() string { return "terminal: host key mismatch" }

func (*hostKeyError) Is(target error) bool { return target == ErrProtocolFailed }

// Kind classifies why a session ended. KindNone means a clean close.
type Kind int

const (
	KindNone Kind = iota
	KindBackendClosed
	KindSpawn
	KindAuth
	KindNetwork
	KindProtocol
	KindOther
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindBackendClosed:
		return "backend_closed"
	case KindSpawn:
		return "spawn_failed"
	case KindAuth:
		return "auth_failed"
	case KindNetwork:
		return "network_failed"
	case KindProtocol:
		return "protocol_failed"
	default:
		return "error"
	}
}

// KindOf maps err onto the error taxonomy. A nil error is KindNone.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrAuthFailed):
		return KindAuth
	case errors.Is(err, ErrSpawnFailed):
		return KindSpawn
	case errors.Is(err, ErrProtocolFailed):
		return KindProtocol
	case errors.Is(err, ErrNetworkFailed):
		return KindNetwork
	case errors.Is(err, ErrBackendClosed):
		return KindBackendClosed
	default:
		return KindOther
	}
}

// isAuthRejection recognises the x/crypto/ssh handshake error produced when
// every offered auth method was refused.
func isAuthRejection(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "unable to authenticate") ||
		strings.Contains(msg, "no supported methods remain")
}
