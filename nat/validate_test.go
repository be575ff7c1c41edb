package nat

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateCandidateRejectsLoopbackByDefault(t *testing.T) {
	err := ValidateCandidate(net.ParseIP("127.0.0.1"), 5000, ValidationOptions{})
	require.Error(t, err)
}

func TestValidateCandidateAllowsLoopbackWhenOptedIn(t *testing.T) {
	err := ValidateCandidate(net.ParseIP("127.0.0.1"), 5000, ValidationOptions{AllowLoopback: true})
	require.NoError(t, err)
}

func TestValidateCandidateRejectsPrivateRange(t *testing.T) {
	for _, ip := range []string{"10.1.2.3", "172.16.0.5", "192.168.1.1"} {
		err := ValidateCandidate(net.ParseIP(ip), 5000, ValidationOptions{})
		require.Errorf(t, err, "expected %s to be rejected", ip)
	}
}

func TestValidateCandidateRejectsOutOfRangePort(t *testing.T) {
	ip := net.ParseIP("8.8.8.8")
	require.Error(t, ValidateCandidate(ip, 80, ValidationOptions{}))
	require.Error(t, ValidateCandidate(ip, 70000, ValidationOptions{}))
}

func TestValidateCandidateAcceptsPublicAddress(t *testing.T) {
	err := ValidateCandidate(net.ParseIP("8.8.8.8"), 51413, ValidationOptions{})
	require.NoError(t, err)
}

func TestValidateSignalingIdentity(t *testing.T) {
	require.NoError(t, ValidateSignalingIdentity("peer-a", "peer-b", false))
	require.Error(t, ValidateSignalingIdentity("peer-a", "peer-b", true))
	require.NoError(t, ValidateSignalingIdentity("peer-a", "peer-a", true))
}
