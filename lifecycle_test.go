package acmecore

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeInstallation(t *testing.T, dir string, inst Installation) {
	t.Helper()
	require.NoError(t, newStore(dir).writeJSON(installationFile, inst, 0600))
}

// setupAfterAccount writes installation.json, then drives a fresh Core from
// NEED_ACCOUNT through account creation and into NEW_CERT_LIST_ORDERS,
// popping the Keygen and
// ListOrders calls enterNewCertFlow issues together. It writes the staged
// key to disk (as the real Keygen collaborator would) so a later
// FinalizeDone can successfully install it.
func setupAfterAccount(t *testing.T) (core *Core, fake *fakeCollab, dir string, certKey *ecdsa.PrivateKey, updates *[]*CertBundle) {
	t.Helper()

	dir = t.TempDir()
	writeInstallation(t, dir, Installation{Email: "me@yo.com", Secret: "shhh", Subdomain: "yomamma"})

	fake = newFakeCollab(t, time.Now())
	ups := []*CertBundle{}
	updates = &ups
	core, initial := Init(dir, fake, func(b *CertBundle) { ups = append(ups, b); *updates = ups }, func(error) {})
	require.Nil(t, initial)

	fake.popCall("NewAccount")
	core.NewAccountDone(nil, &Account{Kid: "kid1", Orders: "orders1"})

	kpath := fake.popCall("Keygen").(string)
	require.Equal(t, filepath.Join(dir, keyNewFile), kpath)
	fake.popCall("ListOrders")

	certKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(certKey)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(kpath, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0600))

	return core, fake, dir, certKey, updates
}

func TestCleanIssuanceEndToEnd(t *testing.T) {
	dir := t.TempDir()

	fake := newFakeCollab(t, time.Now())
	var updates []*CertBundle
	var doneCalled bool
	var doneErr error

	core, initial := Init(dir, fake, func(b *CertBundle) { updates = append(updates, b) }, func(err error) {
		doneCalled = true
		doneErr = err
	})
	require.Nil(t, initial)
	fake.requireNoMoreCalls() // IDLE_UNCONFIGURED just polls, no action calls

	writeInstallation(t, dir, Installation{Email: "me@yo.com", Secret: "shhh", Subdomain: "yomamma"})
	core.DeadlineBackoffFired() // the idle poll deadline firing

	fake.popCall("NewAccount")
	core.NewAccountDone(nil, &Account{Kid: "kid1", Orders: "orders1"})

	kpath := fake.popCall("Keygen").(string)
	fake.popCall("ListOrders")

	certKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(certKey)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(kpath, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0600))

	core.ListOrdersDone(nil, nil)
	orderArgs := fake.popCall("NewOrder").(newOrderArgs)
	require.Equal(t, "yomamma.user.splintermail.com", orderArgs.domain)

	core.NewOrderDone(nil, NewOrderResult{Order: "o1", Finalize: "f1", Authz: "z1"})
	authz := fake.popCall("GetAuthz").(string)
	require.Equal(t, "z1", authz)

	core.GetAuthzDone(nil, GetAuthzResult{
		Status:          AuthzStatusPending,
		ChallengeStatus: ChallengeStatusPending,
		Domain:          "yomamma.user.splintermail.com",
		Challenge:       "c1",
		Token:           "t1",
	})
	prep := fake.popCall("Prepare").(prepareArgs)
	require.Equal(t, "t1", prep.token)
	wantProof, err := dns01Proof("t1", core.thumbprint)
	require.NoError(t, err)
	require.Equal(t, wantProof, prep.proof)

	var pr PrepareResult
	pr.Status = "success"
	pr.Contents.Result = "ok"
	core.PrepareDone(nil, pr)
	chal := fake.popCall("Challenge").(challengeArgs)
	require.Equal(t, "z1", chal.authz)
	require.Equal(t, "c1", chal.challenge)

	core.ChallengeDone(nil)
	fake.requireNoMoreCalls() // keygen hasn't completed yet, finalize withheld

	core.KeygenDone(nil, certKey)
	fin := fake.popCall("Finalize").(finalizeArgs)
	require.Equal(t, "o1", fin.order)
	require.Equal(t, "f1", fin.finalize)
	require.Equal(t, "yomamma.user.splintermail.com", fin.domain)

	notAfter := time.Now().Add(90 * 24 * time.Hour)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "yomamma.user.splintermail.com"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     notAfter,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &certKey.PublicKey, certKey)
	require.NoError(t, err)
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})

	core.FinalizeDone(nil, certPEM)

	require.Len(t, updates, 1)
	require.NotNil(t, updates[0])
	require.WithinDuration(t, notAfter, updates[0].NotAfter, time.Second)

	unprep := fake.popCall("Unprepare").(string)
	require.Equal(t, "t1", unprep)

	core.UnprepareDone(nil)
	fake.requireNoMoreCalls()

	core.Close()
	require.True(t, fake.closed)
	require.True(t, doneCalled)
	require.NoError(t, doneErr)
}

func TestExistingValidOrderSkipsAuthFlow(t *testing.T) {
	core, fake, _, certKey, updates := setupAfterAccount(t)

	core.ListOrdersDone(nil, []string{"o1"})
	order := fake.popCall("GetOrder").(getOrderArgs)
	require.Equal(t, "o1", order.order)

	core.GetOrderDone(nil, GetOrderResult{
		Status:  OrderStatusValid,
		Domain:  "yomamma.user.splintermail.com",
		CertURL: "certurl1",
	})
	certURL := fake.popCall("FinalizeFromValid").(string)
	require.Equal(t, "certurl1", certURL)

	notAfter := time.Now().Add(90 * 24 * time.Hour)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "yomamma.user.splintermail.com"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     notAfter,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &certKey.PublicKey, certKey)
	require.NoError(t, err)
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})

	core.FinalizeDone(nil, certPEM)
	require.Len(t, *updates, 1)

	// a keygen that was still in flight when the valid order short-circuited
	// the attempt must not panic or resurrect a cleared attempt.
	require.NotPanics(t, func() { core.KeygenDone(nil, certKey) })

	fake.requireNoMoreCalls()
}

func TestExistingProcessingOrderPollsThenInstalls(t *testing.T) {
	core, fake, _, certKey, updates := setupAfterAccount(t)

	core.ListOrdersDone(nil, []string{"o1"})
	fake.popCall("GetOrder")

	core.GetOrderDone(nil, GetOrderResult{
		Status:     OrderStatusProcessing,
		Domain:     "yomamma.user.splintermail.com",
		RetryAfter: 2 * time.Second,
	})
	poll := fake.popCall("FinalizeFromProcessing").(finalizeFromProcessingArgs)
	require.Equal(t, 2*time.Second, poll.retryAfter)

	notAfter := time.Now().Add(90 * 24 * time.Hour)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "yomamma.user.splintermail.com"},
		NotAfter:     notAfter,
		NotBefore:    time.Now().Add(-time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &certKey.PublicKey, certKey)
	require.NoError(t, err)
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})

	core.FinalizeDone(nil, certPEM)
	require.Len(t, *updates, 1)
}

func TestExistingPendingOrderResumesAuthFlow(t *testing.T) {
	core, fake, _, _, _ := setupAfterAccount(t)

	core.ListOrdersDone(nil, []string{"o1"})
	fake.popCall("GetOrder")

	core.GetOrderDone(nil, GetOrderResult{
		Status: OrderStatusPending,
		Domain: "yomamma.user.splintermail.com",
		Authz:  "z1",
	})
	authz := fake.popCall("GetAuthz").(string)
	require.Equal(t, "z1", authz)
}

func TestNewAccountBackoffSequence(t *testing.T) {
	dir := t.TempDir()
	writeInstallation(t, dir, Installation{Email: "me@yo.com", Subdomain: "yomamma"})

	fake := newFakeCollab(t, time.Unix(1_700_000_000, 0))
	core, initial := Init(dir, fake, func(*CertBundle) {}, func(error) {})
	require.Nil(t, initial)
	fake.popCall("NewAccount")

	steps := []time.Duration{
		1 * time.Second, 5 * time.Second, 15 * time.Second,
		30 * time.Second, 45 * time.Second, 60 * time.Second, 60 * time.Second,
	}
	for i, want := range steps {
		core.NewAccountDone(errors.New("connection refused"), nil)
		require.Equal(t, fake.now.Add(want), fake.lastDeadlineBackoff, "retry %d", i)

		fake.now = fake.now.Add(want)
		core.DeadlineBackoffFired()
		fake.popCall("NewAccount")
	}
}

func TestProtocolViolationDuringAuthzIsFatal(t *testing.T) {
	core, fake, _, _, _ := setupAfterAccount(t)

	core.ListOrdersDone(nil, nil)
	fake.popCall("NewOrder")
	core.NewOrderDone(nil, NewOrderResult{Order: "o1", Finalize: "f1", Authz: "z1"})
	fake.popCall("GetAuthz")

	violation := &Error{Kind: KindProtocolViolation, Err: errors.New("no dns-01 challenge offered")}
	core.GetAuthzDone(violation, GetAuthzResult{})

	require.True(t, fake.closed)
}

func TestUnprepareRetriesOnFailureThenSucceeds(t *testing.T) {
	fake := newFakeCollab(t, time.Unix(0, 0))
	c := &Core{
		store:            newStore(t.TempDir()),
		collab:           fake,
		unprepareBackoff: newUnprepareBackoff(),
		certBackoff:      newCertBackoff(),
	}
	c.unprep = unprepareWork{token: "tok1"}
	c.startUnprepare()

	require.Equal(t, "tok1", fake.popCall("Unprepare"))
	require.True(t, fake.lastDeadlineUnprepare.IsZero(), "deadline must not arm until a failure")

	c.UnprepareDone(errors.New("i died"))
	require.Equal(t, unprepareBackoff, c.unprep.phase)
	require.Equal(t, fake.now.Add(unprepareRetryDelay), fake.lastDeadlineUnprepare)

	fake.now = fake.now.Add(unprepareRetryDelay)
	c.mu.Lock()
	c.retryUnprepareLocked()
	c.mu.Unlock()
	require.Equal(t, "tok1", fake.popCall("Unprepare"))

	c.UnprepareDone(nil)
	require.True(t, fake.lastDeadlineUnprepare.IsZero())
	require.Equal(t, unprepareWork{}, c.unprep)
	fake.requireNoMoreCalls()
}

// TestUnprepareTokenOverlapReissuesNewToken covers a fresh certificate
// installing (and so queuing a new unprepare token) while an older
// unprepare call for a stale token is still outstanding: the older call's
// success must not discard the newer token, since it was never actually
// issued to the collaborator.
func TestUnprepareTokenOverlapReissuesNewToken(t *testing.T) {
	fake := newFakeCollab(t, time.Unix(0, 0))
	c := &Core{
		store:            newStore(t.TempDir()),
		collab:           fake,
		unprepareBackoff: newUnprepareBackoff(),
		certBackoff:      newCertBackoff(),
	}
	c.unprep = unprepareWork{token: "old"}
	c.startUnprepare()
	require.Equal(t, "old", fake.popCall("Unprepare"))

	// a renewal installs while "old" is still in flight; startUnprepare is
	// a no-op since inFlight.unprepare is still true.
	c.unprep = unprepareWork{token: "new"}
	c.startUnprepare()
	fake.requireNoMoreCalls()

	// the stale call for "old" now succeeds.
	c.UnprepareDone(nil)

	require.Equal(t, "new", fake.popCall("Unprepare"))
	require.Equal(t, "new", c.unprep.token)
	require.True(t, fake.lastDeadlineUnprepare.IsZero())

	c.UnprepareDone(nil)
	require.Equal(t, unprepareWork{}, c.unprep)
	fake.requireNoMoreCalls()
}
