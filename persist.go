package acmecore

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/splintermail/acmecore/internal/logging"
)

// Working-directory layout.
const (
	installationFile = "installation.json"
	accountFile      = "account.json"
	jwkFile          = "jwk.json"
	keyFile          = "key.pem"
	certFile         = "cert.pem"
	keyNewFile       = "keynew.pem"
	certNewFile      = "certnew.pem"
)

// renewBefore is how far ahead of expiry a certificate is renewed.
const renewBefore = 15 * 24 * time.Hour

// CertBundle is the minimal server-usable TLS material the host needs once
// a certificate is issued: a ready-to-use tls.Config plus its expiry.
type CertBundle struct {
	Config   *tls.Config
	NotAfter time.Time
}

// store is the persistence layer: atomic reads and writes of every
// working-directory artifact.
type store struct {
	dir string
}

func newStore(dir string) *store { return &store{dir: dir} }

func (s *store) path(name string) string { return filepath.Join(s.dir, name) }

// atomicWrite writes to <name>.tmp in the same directory, fsyncs, then
// renames over <name>, so a crash mid-write never leaves a corrupt file in
// place.
func (s *store) atomicWrite(name string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return fmt.Errorf("could not create working directory: %w", err)
	}

	target := s.path(name)
	tmp := target + ".tmp"

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("could not create %s: %w", tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("could not write %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("could not fsync %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("could not close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("could not rename %s to %s: %w", tmp, target, err)
	}
	return nil
}

// readJSON loads name and unmarshals it into v. Absence is reported as
// os.ErrNotExist (callers treat that as "normal"); any other read or parse
// failure is logged and the file is treated as absent too.
func (s *store) readJSON(name string, v interface{}) error {
	data, err := os.ReadFile(s.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return err
		}
		logging.Warn("could not read %s, discarding: %v", name, err)
		return os.ErrNotExist
	}
	if err := json.Unmarshal(data, v); err != nil {
		logging.Warn("could not parse %s, discarding: %v", name, err)
		return os.ErrNotExist
	}
	return nil
}

func (s *store) writeJSON(name string, v interface{}, perm os.FileMode) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("could not marshal %s: %w", name, err)
	}
	return s.atomicWrite(name, data, perm)
}

func (s *store) exists(name string) bool {
	_, err := os.Stat(s.path(name))
	return err == nil
}

func (s *store) remove(name string) {
	if err := os.Remove(s.path(name)); err != nil && !os.IsNotExist(err) {
		logging.Warn("could not remove %s: %v", name, err)
	}
}

// loadInstallation loads installation.json. Its absence, or a parse error,
// both mean "unconfigured".
func (s *store) loadInstallation() (*Installation, error) {
	var inst Installation
	if err := s.readJSON(installationFile, &inst); err != nil {
		return nil, err
	}
	return &inst, nil
}

func (s *store) loadAccount() (*Account, error) {
	var acct Account
	if err := s.readJSON(accountFile, &acct); err != nil {
		return nil, err
	}
	return &acct, nil
}

func (s *store) saveAccount(acct *Account) error {
	return s.writeJSON(accountFile, acct, 0600)
}

// loadThumbprint loads jwk.json and returns its thumbprint, used purely as
// a startup optimization hint; its absence is not an error condition.
func (s *store) loadThumbprint() (string, error) {
	var jwk jose.JSONWebKey
	if err := s.readJSON(jwkFile, &jwk); err != nil {
		return "", err
	}
	return thumbprintOf(&jwk)
}

func (s *store) saveJWK(acct *Account) error {
	return s.writeJSON(jwkFile, acct.PublicJWK(), 0644)
}

// certPair is a loaded, validated (key.pem, cert.pem) or (keynew.pem,
// certnew.pem) pair.
type certPair struct {
	cert *tls.Certificate
	leaf *x509.Certificate
}

// loadCertPair loads and validates the pair named by keyName/certName
// against fulldomain: both files must parse, the cert's public key must
// match the key, and the cert's CN must equal fulldomain. Any violation
// returns nil rather than an error — the pair is simply treated as garbage
// and discarded.
func (s *store) loadCertPair(keyName, certName, fulldomain string) *certPair {
	keyExists := s.exists(keyName)
	certExists := s.exists(certName)
	if keyExists != certExists {
		// half-written pair: delete the orphan.
		logging.Warn("found half-written cert pair (%s=%v, %s=%v), discarding", keyName, keyExists, certName, certExists)
		if keyExists {
			s.remove(keyName)
		}
		if certExists {
			s.remove(certName)
		}
		return nil
	}
	if !keyExists {
		return nil
	}

	cert, err := tls.LoadX509KeyPair(s.path(certName), s.path(keyName))
	if err != nil {
		// LoadX509KeyPair itself verifies the public/private key match.
		logging.Warn("cert pair %s/%s is invalid, discarding: %v", certName, keyName, err)
		return nil
	}

	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		logging.Warn("could not parse leaf of %s, discarding: %v", certName, err)
		return nil
	}

	if leaf.Subject.CommonName != fulldomain {
		logging.Warn("cert %s has CN %q, expected %q, discarding", certName, leaf.Subject.CommonName, fulldomain)
		return nil
	}

	return &certPair{cert: &cert, leaf: leaf}
}

// installCert performs the atomic staged install: write the issued cert to
// certnew.pem (the key was already written there by Keygen), then rename
// both staging files over the canonical ones.
func (s *store) installCert(certPEM []byte) error {
	if err := s.atomicWrite(certNewFile, certPEM, 0644); err != nil {
		return fmt.Errorf("could not stage %s: %w", certNewFile, err)
	}
	if err := os.Rename(s.path(keyNewFile), s.path(keyFile)); err != nil {
		return fmt.Errorf("could not install %s: %w", keyFile, err)
	}
	if err := os.Rename(s.path(certNewFile), s.path(certFile)); err != nil {
		return fmt.Errorf("could not install %s: %w", certFile, err)
	}
	return nil
}

// preferStagingIfNewer promotes a staged cert pair over the current one if
// the staged pair is both valid and newer, before reconciliation proceeds.
func (s *store) preferStagingIfNewer(current, staging *certPair) (*certPair, error) {
	if staging == nil {
		return current, nil
	}
	if current != nil && !staging.leaf.NotAfter.After(current.leaf.NotAfter) {
		return current, nil
	}
	if err := os.Rename(s.path(keyNewFile), s.path(keyFile)); err != nil {
		return current, fmt.Errorf("could not promote staged key: %w", err)
	}
	if err := os.Rename(s.path(certNewFile), s.path(certFile)); err != nil {
		return current, fmt.Errorf("could not promote staged cert: %w", err)
	}
	return staging, nil
}

func newCertBundle(pair *certPair, domain string) *CertBundle {
	return &CertBundle{
		Config: &tls.Config{
			Certificates: []tls.Certificate{*pair.cert},
			ServerName:   domain,
		},
		NotAfter: pair.leaf.NotAfter,
	}
}
