package redimux

import (
	"errors"

	"github.com/soren-lund/redimux/v1/config"
)

// Error kinds returned by redimux. Callers should compare with errors.Is;
// the concrete errors returned from a call are always wrapped with
// additional context via fmt.Errorf("...: %w", ...).
var (
	// ErrConfiguration is returned for invalid or missing setup: an unknown
	// handler mode, a non-positive expire, constructing a Mutex before
	// config.Setup has run, or a duplicate/empty name list.
	ErrConfiguration = config.ErrConfiguration

	// ErrDeadlock is returned when the current owner already holds one of
	// the requested names. The original lock remains held.
	ErrDeadlock = errors.New("redimux: deadlock detected")

	// ErrTimeout is returned by Synchronize and Sleep when their block
	// timeout elapses before the lock could be (re)acquired.
	ErrTimeout = errors.New("redimux: timed out waiting for lock")

	// ErrProtocol is the protocol-error kind. No call in this module wraps
	// it: a malformed lease value surfaces as handler.ErrMalformedLease, an
	// uninterpretable unlock-script reply as handler.ErrProtocolFromHandler,
	// a script failure as the store client's own error, and a Watcher that
	// fails to subscribe during config.Setup as an error whose text begins
	// "redimux: protocol error" but which errors.Is does not match to
	// ErrProtocol.
	ErrProtocol = errors.New("redimux: protocol error")
)
