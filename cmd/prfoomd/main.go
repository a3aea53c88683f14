// Command prfoomd is the thin process bootstrap for the proxy core:
// parse flags, build configs, start the server, wait for a termination
// signal. Dependency wiring and CLI ergonomics beyond this are out of
// scope (process bootstrap and launcher concerns are explicitly
// excluded from the core this module implements).
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/ecovaci/prfoom/config"
	"github.com/ecovaci/prfoom/internal/server"
)

func main() {
	var (
		localPort = flag.Int("local-port", 3128, "local port to listen on")
		proxyHost = flag.String("proxy-host", "", "upstream proxy host")
		proxyPort = flag.Int("proxy-port", 8080, "upstream proxy port")
		username  = flag.String("username", "", "upstream NTLM username")
		domain    = flag.String("domain", "", "upstream NTLM domain")
		metrics   = flag.Bool("metrics", false, "register Prometheus collectors")
	)
	flag.Parse()

	if *proxyHost == "" || *username == "" {
		fmt.Fprintln(os.Stderr, "prfoomd: -proxy-host and -username are required")
		os.Exit(2)
	}

	password := os.Getenv("PRFOOM_PASSWORD")
	if password == "" {
		fmt.Fprintln(os.Stderr, "prfoomd: PRFOOM_PASSWORD must be set")
		os.Exit(2)
	}

	log, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, "prfoomd: logger init:", err)
		os.Exit(1)
	}
	defer log.Sync()

	userCfg := config.UserConfig{
		Username:  *username,
		Password:  password,
		Domain:    *domain,
		ProxyHost: *proxyHost,
		ProxyPort: *proxyPort,
		LocalPort: *localPort,
	}
	sysCfg := config.DefaultSystemConfig()
	sysCfg.MetricsEnabled = *metrics

	srv := server.New(userCfg, sysCfg, log)
	if err := srv.Start(); err != nil {
		log.Fatal("server failed to start", zap.Error(err))
	}
	log.Info("prfoomd listening", zap.Int("local_port", *localPort), zap.String("upstream", *proxyHost))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info("prfoomd shutting down")
	if err := srv.Close(); err != nil {
		log.Warn("error during shutdown", zap.Error(err))
	}
}
