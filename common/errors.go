package common

import (
	"fmt"

	g "github.com/anacrolix/generics"
	"github.com/pkg/errors"
)

// ErrorKind is the machine-readable error category of spec.md §7. Every
// operation that can fail in a way the orchestrator needs to branch on
// reports one of these instead of an opaque error string.
type ErrorKind string

const (
	ErrTransientNetwork  ErrorKind = "transient-network"
	ErrIntegrityFailure  ErrorKind = "integrity-failure"
	ErrProtocol          ErrorKind = "protocol-error"
	ErrNATTraversal      ErrorKind = "nat-traversal"
	ErrLocalIO           ErrorKind = "local-io"
	ErrConfiguration     ErrorKind = "configuration"
	ErrAlreadyRunning    ErrorKind = "already-running"
	ErrAlreadyStopped    ErrorKind = "already-stopped"
	ErrMismatch          ErrorKind = "mismatch"
	ErrMetadataTimeout   ErrorKind = "metadata-timeout"
	ErrChunkUnavailable  ErrorKind = "chunk-unavailable"
	ErrChoked            ErrorKind = "choked"
	ErrCancelled         ErrorKind = "cancelled"
)

// Error carries a Kind and, where relevant, the peer id involved, so the
// orchestrator can make retry/blacklist decisions without string matching
// (spec.md §7: "All errors carry a machine-readable kind and a peer id if
// relevant").
type Error struct {
	Kind ErrorKind
	Peer g.Option[NodeID]
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Peer.Ok {
		return fmt.Sprintf("%s: %s (peer %s): %v", e.Op, e.Kind, e.Peer.Value, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func NewError(op string, kind ErrorKind, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

func NewPeerError(op string, kind ErrorKind, peer NodeID, err error) *Error {
	return &Error{Op: op, Kind: kind, Peer: g.Some(peer), Err: err}
}

// KindOf extracts the ErrorKind from err if it (or something it wraps) is a
// *Error, reporting ok=false otherwise.
func KindOf(err error) (ErrorKind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Wrap is a thin alias kept for call-site symmetry with the rest of the
// codebase, which otherwise imports pkg/errors directly the way the teacher
// does in socket.go/webseed-peer.go.
func Wrap(err error, msg string) error {
	return errors.Wrap(err, msg)
}
