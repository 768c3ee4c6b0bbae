package acmecore

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	jose "github.com/go-jose/go-jose/v4"
)

// thumbprintOf computes the RFC 7638 base64url (no padding) thumbprint of a
// JWK, using go-jose's canonical-JSON implementation rather than hand
// rolling JWK canonicalization.
func thumbprintOf(jwk *jose.JSONWebKey) (string, error) {
	sum, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("could not compute jwk thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(sum), nil
}

// generateAccountKey creates a fresh P-256 account key, wrapped as a JWK so
// it carries the algorithm tag go-jose needs for signing and thumbprinting.
func generateAccountKey() (*jose.JSONWebKey, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("could not generate account key: %w", err)
	}
	return &jose.JSONWebKey{Key: priv, Algorithm: "ES256", Use: "sig"}, nil
}

// dns01Proof composes the DNS-01 key authorization digest published as the
// TXT record value: base64url(SHA256(token "." thumbprint)).
func dns01Proof(token, thumbprint string) (string, error) {
	h := crypto.SHA256.New()
	if _, err := h.Write([]byte(token + "." + thumbprint)); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil)), nil
}
