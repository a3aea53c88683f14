package pool

import (
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ecovaci/prfoom/config"
)

func TestKeepAliveStrategyHonorsExplicitTimeout(t *testing.T) {
	resp := &http.Response{Header: http.Header{"Keep-Alive": []string{"timeout=45, max=100"}}}
	got := KeepAliveStrategy{}.Duration(resp, 10*time.Second)
	require.Equal(t, 45*time.Second, got)
}

func TestKeepAliveStrategyFallsBackWithoutHeader(t *testing.T) {
	resp := &http.Response{Header: http.Header{}}
	got := KeepAliveStrategy{}.Duration(resp, 10*time.Second)
	require.Equal(t, 10*time.Second, got)
}

func TestKeepAliveStrategyFallsBackOnUnparsableTimeout(t *testing.T) {
	resp := &http.Response{Header: http.Header{"Keep-Alive": []string{"timeout=soon"}}}
	got := KeepAliveStrategy{}.Duration(resp, 10*time.Second)
	require.Equal(t, 10*time.Second, got)
}

func TestKeepAliveStrategyNilResponseFallsBack(t *testing.T) {
	got := KeepAliveStrategy{}.Duration(nil, 7*time.Second)
	require.Equal(t, 7*time.Second, got)
}

func TestTouchResponseNarrowsEvictionThresholdFromKeepAliveHeader(t *testing.T) {
	upstream := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	closed := make(chan struct{}, 1)
	upstream.Config.ConnState = func(conn net.Conn, state http.ConnState) {
		if state == http.StateClosed {
			select {
			case closed <- struct{}{}:
			default:
			}
		}
	}
	upstream.Start()
	defer upstream.Close()

	proxyURL, err := url.Parse(upstream.URL)
	require.NoError(t, err)

	sysCfg := config.SystemConfig{
		EvictionEnabled:   true,
		EvictionPeriod:    20 * time.Millisecond,
		MaxConnectionIdle: time.Hour, // would never trip within the test timeout on its own
	}
	p := New(sysCfg, proxyURL, nil, nil, nil)
	defer p.Close()

	client := &http.Client{Transport: p.Transport}
	req, err := http.NewRequest(http.MethodGet, "http://example.com/", nil)
	require.NoError(t, err)
	resp, err := client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	p.TouchResponse(&http.Response{Header: http.Header{"Keep-Alive": []string{"timeout=1"}}})

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("evictor did not honor the response's Keep-Alive timeout")
	}
}

func TestEvictorClosesIdleConnectionsAfterMaxIdle(t *testing.T) {
	upstream := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	closed := make(chan struct{}, 1)
	upstream.Config.ConnState = func(conn net.Conn, state http.ConnState) {
		if state == http.StateClosed {
			select {
			case closed <- struct{}{}:
			default:
			}
		}
	}
	upstream.Start()
	defer upstream.Close()

	proxyURL, err := url.Parse(upstream.URL)
	require.NoError(t, err)

	sysCfg := config.SystemConfig{
		EvictionEnabled:   true,
		EvictionPeriod:    20 * time.Millisecond,
		MaxConnectionIdle: 30 * time.Millisecond,
	}
	p := New(sysCfg, proxyURL, nil, nil, nil)
	defer p.Close()

	client := &http.Client{Transport: p.Transport}
	req, err := http.NewRequest(http.MethodGet, "http://example.com/", nil)
	require.NoError(t, err)
	resp, err := client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	p.Touch()

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("evictor did not close idle connection in time")
	}
}
