package tunnel

import (
	"encoding/base64"
	"strings"

	ntlmssp "github.com/launchdarkly/go-ntlmssp"

	"github.com/ecovaci/prfoom/internal/creds"
	"github.com/ecovaci/prfoom/internal/wire"
)

// authState is the NTLM handshake state for one CONNECT attempt, per
// spec §3: UNCHALLENGED -> CHALLENGE_RECEIVED -> HANDSHAKE -> SUCCESS |
// FAILURE. It lives in its own ntlmMachine, built fresh for each CONNECT
// attempt, rather than in fields scattered on the negotiator.
type authState int

const (
	stateUnchallenged authState = iota
	stateChallengeReceived
	stateHandshake
	stateSuccess
	stateFailure
)

// ntlmMachine drives one CONNECT's worth of NTLM rounds against a single
// upstream proxy authority.
type ntlmMachine struct {
	scope string // "proxyHost:proxyPort", for logging only
	state authState
	prov  *creds.Provider
}

func newNTLMMachine(scope string, prov *creds.Provider) *ntlmMachine {
	return &ntlmMachine{scope: scope, state: stateUnchallenged, prov: prov}
}

// done reports whether the handshake has reached a terminal state.
func (m *ntlmMachine) done() bool {
	return m.state == stateSuccess || m.state == stateFailure
}

// next inspects the most recent CONNECT response and returns the
// Proxy-Authorization header value to attach to the next CONNECT, or
// ("", false, nil) when no further round is possible (caller should stop
// looping and treat the response as terminal).
func (m *ntlmMachine) next(resp wire.ResponseHead) (headerValue string, hasNext bool, err error) {
	challenge := resp.Get("Proxy-Authenticate")

	switch m.state {
	case stateUnchallenged:
		// First 407 of the exchange: either a bare "NTLM" invitation to
		// negotiate, or (rare, some proxies skip the bare round) an
		// immediate challenge. Either way we start with a Type-1 message.
		if !strings.HasPrefix(challenge, "NTLM") {
			m.state = stateFailure
			return "", false, nil
		}
		msg, err := ntlmssp.NewNegotiateMessage(m.prov.Domain, "")
		if err != nil {
			m.state = stateFailure
			return "", false, err
		}
		m.state = stateChallengeReceived
		return "NTLM " + base64.StdEncoding.EncodeToString(msg), true, nil

	case stateChallengeReceived:
		fields := strings.Fields(challenge)
		if len(fields) != 2 || !strings.EqualFold(fields[0], "NTLM") {
			m.state = stateFailure
			return "", false, nil
		}
		token, err := base64.StdEncoding.DecodeString(fields[1])
		if err != nil {
			m.state = stateFailure
			return "", false, err
		}
		auth, err := ntlmssp.ProcessChallenge(token, m.prov.Username, m.prov.Password())
		if err != nil {
			m.state = stateFailure
			return "", false, err
		}
		m.state = stateHandshake
		return "NTLM " + base64.StdEncoding.EncodeToString(auth), true, nil

	default:
		// Already sent the Type-3 message; any further 407 means the
		// handshake failed rather than advanced.
		m.state = stateFailure
		return "", false, nil
	}
}

// succeed marks the handshake complete after a 2xx with no further
// challenge.
func (m *ntlmMachine) succeed() { m.state = stateSuccess }
