package server

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ecovaci/prfoom/config"
)

func testUserConfig(t *testing.T, proxyAddr string) config.UserConfig {
	t.Helper()
	host, portStr, err := net.SplitHostPort(proxyAddr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	localPort := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	return config.UserConfig{
		Username:  "alice",
		Password:  "hunter2",
		Domain:    "CORP",
		ProxyHost: host,
		ProxyPort: port,
		LocalPort: localPort,
	}
}

func TestServerStartTwiceFails(t *testing.T) {
	upstream, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer upstream.Close()

	cfg := testUserConfig(t, upstream.Addr().String())
	srv := New(cfg, config.DefaultSystemConfig(), nil)
	require.NoError(t, srv.Start())
	defer srv.Close()

	require.Error(t, srv.Start())
}

func TestServerCloseIsIdempotentAndFreesPort(t *testing.T) {
	upstream, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer upstream.Close()

	cfg := testUserConfig(t, upstream.Addr().String())
	srv := New(cfg, config.DefaultSystemConfig(), nil)
	require.NoError(t, srv.Start())

	require.NoError(t, srv.Close())
	require.NoError(t, srv.Close())

	require.Eventually(t, func() bool {
		ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(cfg.LocalPort)))
		if err != nil {
			return false
		}
		ln.Close()
		return true
	}, 2*time.Second, 20*time.Millisecond)
}
