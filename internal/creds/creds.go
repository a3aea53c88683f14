// Package creds implements CredentialsStore (C1): a single,
// lazily-materialized NTLM CredentialsProvider per process lifetime.
package creds

import (
	"sync"

	"github.com/ecovaci/prfoom/config"
	"github.com/ecovaci/prfoom/internal/errs"
)

// Provider is the immutable credentials view handed to the CONNECT
// negotiator and relay client. Scope is always "any upstream authority"
// per spec §3 — there is only ever one upstream proxy configured.
type Provider struct {
	Username string
	Domain   string

	// password is an owned buffer, not a string, so Close can zero it.
	// Workstation is intentionally absent (spec: workstation=null).
	password []byte
}

// Password returns the credential's password as a string. Kept as a
// method rather than a field so callers can't accidentally retain a
// second copy via a struct-literal rebuild of Provider.
func (p *Provider) Password() string { return string(p.password) }

// Store lazily builds the single Provider for the process. The zero
// value is ready to use.
type Store struct {
	once sync.Once
	prov *Provider
	err  error
}

// Get returns the process-wide Provider, constructing it from cfg on the
// first call. Every later call, concurrent or not, observes the same
// instance (or the same construction error).
func (s *Store) Get(cfg config.UserConfig) (*Provider, error) {
	s.once.Do(func() {
		s.prov, s.err = build(cfg)
	})
	return s.prov, s.err
}

func build(cfg config.UserConfig) (*Provider, error) {
	if cfg.Username == "" || cfg.Password == "" {
		return nil, errs.New(errs.KindConfiguration, "creds.build", errMissingCredentials)
	}
	return &Provider{
		Username: cfg.Username,
		Domain:   cfg.Domain,
		password: []byte(cfg.Password),
	}, nil
}

// Close zeroes the owned password buffer. Safe to call on a Store that
// was never successfully materialized.
func (s *Store) Close() {
	if s.prov == nil {
		return
	}
	for i := range s.prov.password {
		s.prov.password[i] = 0
	}
}

var errMissingCredentials = missingCredentialsError{}

type missingCredentialsError struct{}

func (missingCredentialsError) Error() string {
	return "username and password are required before the proxy can start"
}
