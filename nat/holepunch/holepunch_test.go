package holepunch

import (
	"context"
	"testing"
	"time"

	"github.com/anacrolix/log"
	"github.com/stretchr/testify/require"

	"github.com/dignet/dignode/common"
	"github.com/dignet/dignode/nat"
)

// loopbackSignaler hands back a canned answer addressed to whatever local
// addresses the offer advertised, simulating a cooperative peer on the same
// host for state-machine coverage without a real second process.
type loopbackSignaler struct {
	answer Signal
}

func (s *loopbackSignaler) Send(ctx context.Context, to common.NodeID, sig Signal) error {
	return nil
}

func (s *loopbackSignaler) Recv(ctx context.Context) (Signal, error) {
	return s.answer, nil
}

func TestAttemptStateTransitionsOnSignalRejection(t *testing.T) {
	a := NewAttempt(common.NewNodeID(), log.Default)
	require.Equal(t, StateIdle, a.State())

	signaler := &loopbackSignaler{answer: Signal{Kind: SignalAnswer}} // no addresses: rejected every time

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := a.Run(ctx, signaler, "127.0.0.1:9000", "127.0.0.1:9001", nat.AllowAll())
	require.Error(t, err)
	require.Equal(t, StateFailed, a.State())
}

func TestValidateSignalRejectsPrivateCandidateByDefault(t *testing.T) {
	sig := Signal{UDPAddr: "192.168.1.5:4000"}
	err := validateSignal(sig, nat.ValidationOptions{})
	require.Error(t, err)
}

func TestValidateSignalAcceptsLoopbackWhenAllowed(t *testing.T) {
	sig := Signal{UDPAddr: "127.0.0.1:4000"}
	err := validateSignal(sig, nat.AllowAll())
	require.NoError(t, err)
}

func TestValidateSignalRejectsEmptyCandidates(t *testing.T) {
	err := validateSignal(Signal{}, nat.AllowAll())
	require.Error(t, err)
}
