// Package errs defines the closed set of error kinds that the sync
// pipeline classifies failures into (spec §7): configuration,
// transport, protocol, projection, persistence, precondition. Each
// kind is attached by Wrap (or one of the per-kind constructors), which
// also adds a message via errors.WithMessage, and GetKind recovers the
// kind via errors.As-style unwrapping.
package errs

import "github.com/pkg/errors"

// Kind enumerates the error classes from the policy matrix in spec §7.
type Kind int

// The closed set of error kinds.
const (
	KindUnknown Kind = iota
	KindConfiguration
	KindTransport
	KindProtocol
	KindProjection
	KindPersistence
	KindPrecondition
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	case KindProjection:
		return "projection"
	case KindPersistence:
		return "persistence"
	case KindPrecondition:
		return "precondition"
	default:
		return "unknown"
	}
}

// classified wraps an error with a Kind so that callers further up the
// stack can decide whether to retry, fail the issue, or abort the
// cycle without string-matching error text.
type classified struct {
	kind Kind
	err  error
}

func (c *classified) Error() string { return c.err.Error() }
func (c *classified) Unwrap() error { return c.err }

// Wrap annotates err with a Kind. A nil err returns nil.
func Wrap(kind Kind, err error, message string) error {
	if err == nil {
		return nil
	}
	return &classified{kind: kind, err: errors.WithMessage(err, message)}
}

// Configuration wraps err as a configuration error: fatal for the
// binding, other bindings proceed.
func Configuration(err error, message string) error { return Wrap(KindConfiguration, err, message) }

// Transport wraps err as a transient transport error, which callers
// retry with bounded backoff. Once retries are exhausted the error
// reaches the caller still classified as Transport; it is not
// reclassified as Protocol.
func Transport(err error, message string) error { return Wrap(KindTransport, err, message) }

// Protocol wraps err as a non-retryable wire-protocol error.
func Protocol(err error, message string) error { return Wrap(KindProtocol, err, message) }

// Projection wraps err as a field-projection failure.
func Projection(err error, message string) error { return Wrap(KindProjection, err, message) }

// Persistence wraps err as a local-store failure: the cycle aborts and
// is retried on the next tick.
func Persistence(err error, message string) error { return Wrap(KindPersistence, err, message) }

// Precondition wraps err as a stale-reference failure (e.g. a sink row
// id that no longer exists).
func Precondition(err error, message string) error { return Wrap(KindPrecondition, err, message) }

// GetKind returns the Kind attached to err, or KindUnknown if err (or
// anything it wraps) was never classified.
func GetKind(err error) Kind {
	var c *classified
	if errors.As(err, &c) {
		return c.kind
	}
	return KindUnknown
}

// Is reports whether err was classified with the given kind.
func Is(err error, kind Kind) bool {
	return GetKind(err) == kind
}
