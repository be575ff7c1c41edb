package transport

import "fmt"

// ErrFrameTooLarge is returned when a transport would need to send or has
// received a frame above MaxFrameSize. Per spec.md §4.3, oversize frames are
// dropped without state change, never torn down as a protocol error.
var ErrFrameTooLarge = fmt.Errorf("frame exceeds maximum size for transport")

// FrameLimiter enforces the per-frame maximum size rule of spec.md §4.3
// uniformly across transports, so each concrete implementation doesn't
// reimplement the check (and the size table in channel.go stays the single
// source of truth).
type FrameLimiter struct {
	kind Kind
}

func NewFrameLimiter(k Kind) FrameLimiter {
	return FrameLimiter{kind: k}
}

// Check returns ErrFrameTooLarge if encoded exceeds the limit for this
// transport kind. Callers must drop the frame and leave connection state
// unchanged on this error, per spec.md §4.3.
func (f FrameLimiter) Check(encodedLen int) error {
	if encodedLen > MaxFrameSize(f.kind) {
		return ErrFrameTooLarge
	}
	return nil
}
