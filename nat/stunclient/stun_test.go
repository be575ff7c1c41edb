package stunclient

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDiscoverRejectsEmptyServerList(t *testing.T) {
	_, err := Discover(context.Background(), nil)
	require.Error(t, err)
}

func TestDiscoverGivesUpWhenContextExpires(t *testing.T) {
	// Port 1 on loopback refuses immediately, so every attempt fails fast;
	// the 3s context ends inside the backoff schedule, and Discover must
	// return an error promptly instead of sleeping out the remaining delays.
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	start := time.Now()
	_, err := Discover(ctx, []string{"127.0.0.1:1"})
	require.Error(t, err)
	require.Less(t, time.Since(start), 4*time.Second)
}

func TestBackoffScheduleMatchesSpec(t *testing.T) {
	require.Len(t, BackoffSchedule, 6)
	require.Equal(t, 500*time.Millisecond, BackoffSchedule[0])
	require.Equal(t, 16*time.Second, BackoffSchedule[5])
}
