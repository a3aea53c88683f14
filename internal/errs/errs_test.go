package errs

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReasonForCarriesUpstreamReasonForTunnelRefused(t *testing.T) {
	err := NewTunnelRefused("tunnel.Tunnel", UpstreamStatus{StatusCode: 403, Reason: "Forbidden"})

	require.Equal(t, 403, StatusFor(err))
	require.Equal(t, "Forbidden", ReasonFor(err))
}

func TestReasonForPrefersProxyAuthenticateOverUpstreamReason(t *testing.T) {
	err := NewTunnelRefused("tunnel.Tunnel", UpstreamStatus{
		StatusCode:        407,
		Reason:            "Some Custom Phrase",
		ProxyAuthenticate: "NTLM",
	})

	require.Equal(t, http.StatusProxyAuthRequired, StatusFor(err))
	require.Equal(t, http.StatusText(http.StatusProxyAuthRequired), ReasonFor(err))
}

func TestReasonForFallsBackToStandardPhraseWithoutUpstreamReason(t *testing.T) {
	err := NewTunnelRefused("tunnel.Tunnel", UpstreamStatus{StatusCode: 403})

	require.Equal(t, "Forbidden", ReasonFor(err))
}

func TestReasonForNonTunnelErrorUsesStatusForMapping(t *testing.T) {
	err := New(KindMalformedRequest, "wire.ParseHead", nil)

	require.Equal(t, http.StatusBadRequest, StatusFor(err))
	require.Equal(t, http.StatusText(http.StatusBadRequest), ReasonFor(err))
}
