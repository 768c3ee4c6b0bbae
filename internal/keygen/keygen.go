// Package keygen generates and persists certificate private keys off the
// caller's goroutine. It is a pure generator rather than a load-or-generate
// cache, since acmecore regenerates keynew.pem fresh on every new-cert
// attempt rather than reusing one across attempts.
package keygen

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"fmt"

	"github.com/kenshaw/pemutil"
)

// Generate creates a fresh P-256 key and writes it to path as a PEM file.
// It is synchronous; callers that need key generation to run off their own
// goroutine use Async.
func Generate(path string) (*ecdsa.PrivateKey, error) {
	store, err := pemutil.GenerateECKeySet(elliptic.P256())
	if err != nil {
		return nil, fmt.Errorf("could not generate ec key set: %w", err)
	}
	if err := store.WriteFile(path); err != nil {
		return nil, fmt.Errorf("could not write %s: %w", path, err)
	}

	key, ok := store.ECPrivateKey()
	if !ok {
		return nil, fmt.Errorf("%s does not contain an ec private key", path)
	}
	return key, nil
}

// Async runs Generate on a new goroutine and delivers the result to done.
// The host is responsible for marshaling the done call back onto its event
// loop thread if it isn't already goroutine-safe to call into the core
// from an arbitrary goroutine.
func Async(path string, done func(key *ecdsa.PrivateKey, err error)) {
	go func() {
		key, err := Generate(path)
		done(key, err)
	}()
}
