package acmecore

import (
	"crypto"
	"time"
)

// Collaborator is the set of operations the host must supply. Every call is
// fire-and-forget: it returns immediately, and its result is delivered
// later via the matching *Done method on Core, on whatever goroutine the
// host's event loop runs on (the core assumes all calls into it are
// serialized by the host, the way a single-threaded reactor would).
//
// The core holds at most one in-flight call per category: it will not
// issue a second ListOrders before the first one's ListOrdersDone arrives,
// for instance. That lets an implementation use the category itself to
// correlate completions, with no request IDs.
type Collaborator interface {
	// Now returns wall-clock time, so the core's notion of "now" can be
	// faked in tests.
	Now() time.Time

	// DeadlineCert, DeadlineBackoff, and DeadlineUnprepare arm (or, when
	// when.IsZero(), disarm) one of the core's three independent timers.
	// Each call replaces any prior deadline of the same kind. When a
	// deadline is reached, the host must call the matching
	// Core.DeadlineCertFired/DeadlineBackoffFired/DeadlineUnprepareFired.
	DeadlineCert(when time.Time)
	DeadlineBackoff(when time.Time)
	DeadlineUnprepare(when time.Time)

	// Prepare asks the splintermail API to publish a DNS-01 TXT record
	// proving control of the domain via proof. Unprepare asks it to tear
	// that record down.
	Prepare(token, proof string)
	Unprepare(token string)

	// Keygen generates a fresh private key off-thread and writes it to
	// path. Its completion delivers the generated key.
	Keygen(path string)

	// NewAccount registers key as the account's key with the ACME server.
	// thumbprint, if non-empty, is passed through so the server can
	// short-circuit registration of an account it already knows. The core
	// retains ownership of key unless NewAccountDone reports success.
	NewAccount(key crypto.Signer, email, thumbprint string)

	NewOrder(acct *Account, domain string)
	GetOrder(acct *Account, order string)
	ListOrders(acct *Account)

	GetAuthz(acct *Account, authz string)
	Challenge(acct *Account, authz, challenge string)
	ChallengeFinish(acct *Account, authz string, retryAfter time.Duration)

	// Finalize submits a CSR for domain signed by pkey. The core retains
	// ownership of pkey unless FinalizeDone reports success.
	Finalize(acct *Account, order, finalize, domain string, pkey crypto.Signer)
	FinalizeFromProcessing(acct *Account, order string, retryAfter time.Duration)
	FinalizeFromValid(acct *Account, certURL string)

	// Close is invoked once the core has decided to shut down. The
	// collaborator must respond to every outstanding call with a
	// CANCELED-classified completion.
	Close()
}

// UpdateFunc is called whenever a new TLS certificate becomes the one the
// host should serve, or (with cert == nil) when the previously published
// certificate is no longer valid and must stop being served. Ownership of
// cert transfers to the host.
type UpdateFunc func(cert *CertBundle)

// DoneFunc is called exactly once, when the core has fully shut down
// (invariant: "the core is created by init, runs until close is called,
// drains all in-flight work, and then invokes done_cb(err) exactly once").
// err is nil unless a fatal error caused the shutdown.
type DoneFunc func(err error)
