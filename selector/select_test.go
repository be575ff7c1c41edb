package selector

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/anacrolix/log"
	"github.com/stretchr/testify/require"

	"github.com/dignet/dignode/common"
	"github.com/dignet/dignode/internal/wire"
	"github.com/dignet/dignode/transport"
)

type fakeAddr string

func (a fakeAddr) Network() string { return "fake" }
func (a fakeAddr) String() string  { return string(a) }

type fakeChannel struct {
	kind transport.Kind
}

func (c *fakeChannel) Send(ctx context.Context, msg wire.Message) error   { return nil }
func (c *fakeChannel) Recv(ctx context.Context) (wire.Message, error)     { return wire.Message{}, nil }
func (c *fakeChannel) Close() error                                       { return nil }
func (c *fakeChannel) Kind() transport.Kind                               { return c.kind }
func (c *fakeChannel) LocalAddr() net.Addr                                { return fakeAddr("local:1") }
func (c *fakeChannel) RemoteAddr() net.Addr                               { return fakeAddr("10.0.0.1:2000") }

func TestConnectStopsAtFirstSuccessInPreferenceOrder(t *testing.T) {
	reg, err := Open(t.TempDir())
	require.NoError(t, err)
	a := NewAttempt(common.NewNodeID(), reg, log.Default)

	var dialedKinds []transport.Kind
	candidates := []Candidate{
		{Kind: transport.KindDirectTCP, Dial: func(ctx context.Context) (transport.Channel, error) {
			dialedKinds = append(dialedKinds, transport.KindDirectTCP)
			return nil, errors.New("no route")
		}},
		{Kind: transport.KindDirectUDP, Dial: func(ctx context.Context) (transport.Channel, error) {
			dialedKinds = append(dialedKinds, transport.KindDirectUDP)
			return &fakeChannel{kind: transport.KindDirectUDP}, nil
		}},
		{Kind: transport.KindRelay, Dial: func(ctx context.Context) (transport.Channel, error) {
			dialedKinds = append(dialedKinds, transport.KindRelay)
			return &fakeChannel{kind: transport.KindRelay}, nil
		}},
	}

	ch, kind, err := a.Connect(context.Background(), candidates, time.Second)
	require.NoError(t, err)
	require.Equal(t, transport.KindDirectUDP, kind)
	require.NotNil(t, ch)
	require.Equal(t, []transport.Kind{transport.KindDirectTCP, transport.KindDirectUDP}, dialedKinds)
	require.Equal(t, AttemptConnected, a.State())
}

func TestConnectFailsWhenAllCandidatesFail(t *testing.T) {
	reg, err := Open(t.TempDir())
	require.NoError(t, err)
	a := NewAttempt(common.NewNodeID(), reg, log.Default)

	candidates := []Candidate{
		{Kind: transport.KindDirectTCP, Dial: func(ctx context.Context) (transport.Channel, error) {
			return nil, errors.New("fail")
		}},
	}

	_, _, err = a.Connect(context.Background(), candidates, time.Second)
	require.Error(t, err)
	require.Equal(t, AttemptFailed, a.State())
}

func TestConnectPrefersRegistryEntryOverPreferenceOrder(t *testing.T) {
	reg, err := Open(t.TempDir())
	require.NoError(t, err)
	peer := common.NewNodeID()
	require.NoError(t, reg.RecordSuccess(peer, transport.KindRelay, "9.9.9.9", 9999, time.Now()))

	a := NewAttempt(peer, reg, log.Default)

	var dialedKinds []transport.Kind
	candidates := []Candidate{
		{Kind: transport.KindDirectTCP, Dial: func(ctx context.Context) (transport.Channel, error) {
			dialedKinds = append(dialedKinds, transport.KindDirectTCP)
			return &fakeChannel{kind: transport.KindDirectTCP}, nil
		}},
		{Kind: transport.KindRelay, Dial: func(ctx context.Context) (transport.Channel, error) {
			dialedKinds = append(dialedKinds, transport.KindRelay)
			return &fakeChannel{kind: transport.KindRelay}, nil
		}},
	}

	_, kind, err := a.Connect(context.Background(), candidates, time.Second)
	require.NoError(t, err)
	require.Equal(t, transport.KindRelay, kind)
	require.Equal(t, []transport.Kind{transport.KindRelay}, dialedKinds)
}

func TestCancelMovesToClosedFromAnyState(t *testing.T) {
	a := NewAttempt(common.NewNodeID(), nil, log.Default)
	a.setState(AttemptConnecting)
	a.Cancel()
	require.Equal(t, AttemptClosed, a.State())
}
