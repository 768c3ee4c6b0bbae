package acmecore

import (
	"crypto"
	"fmt"
	"time"
)

// issueNewAccount generates a fresh account key and registers it with the
// ACME server, passing along the on-disk thumbprint hint (if any) so the
// server can short-circuit registration of an account it already knows.
func (c *Core) issueNewAccount() {
	key, err := generateAccountKey()
	if err != nil {
		c.failFatal(wrapErr(KindResourceExhaustion, err))
		return
	}
	c.pendingAccountKey = key
	c.phase = phaseNeedAccount
	c.inFlight.newAccount = true
	c.collab.NewAccount(key.Key.(crypto.Signer), c.installation.Email, c.thumbprint)
}

// NewAccountDone delivers the completion of a NewAccount call.
func (c *Core) NewAccountDone(err error, acct *Account) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.inFlight.newAccount = false
	if c.shuttingDown {
		c.maybeFinishCloseLocked()
		return
	}

	if err != nil {
		c.handleCertTrackError(wrapErr(KindTransientNetwork, err), c.issueNewAccount)
		return
	}

	acct.Key = c.pendingAccountKey
	c.pendingAccountKey = nil
	c.account = acct

	if err := c.store.saveAccount(acct); err != nil {
		c.failFatal(wrapErr(KindResourceExhaustion, err))
		return
	}
	if err := c.store.saveJWK(acct); err != nil {
		c.failFatal(wrapErr(KindResourceExhaustion, err))
		return
	}
	c.thumbprint, _ = acct.Thumbprint()

	c.certSuccess()
	c.enterNewCertFlow()
}

// handleCertTrackError classifies err and either arms a backoff retry of
// retry or, for a fatal kind, aborts the cert track entirely.
func (c *Core) handleCertTrackError(err *Error, retry func()) {
	if err.Transient() {
		c.scheduleCertRetry(retry)
		return
	}
	c.failFatal(err)
}

// restartNewCertFlow discards the current attempt's transient state and
// begins a fresh one, used when an error or an application-level failure
// (e.g. an authorization going INVALID) means the in-flight order/authz is
// no longer usable.
func (c *Core) restartNewCertFlow() {
	c.enterNewCertFlow()
}

// enterNewCertFlow starts a fresh certificate-issuance attempt: a new
// keypair is generated off-thread while the account's existing orders are
// scanned in parallel for one that can be reused. If a Keygen from an
// earlier attempt is still outstanding, no second one is issued; its
// KeygenDone feeds this attempt instead.
func (c *Core) enterNewCertFlow() {
	c.work = &newCertWork{}
	c.phase = phaseKeygen
	if !c.inFlight.keygen {
		c.inFlight.keygen = true
		c.collab.Keygen(c.store.path(keyNewFile))
	}

	c.inFlight.listOrders = true
	c.phase = phaseListOrders
	c.collab.ListOrders(c.account)
}

// KeygenDone delivers the completion of a Keygen call.
func (c *Core) KeygenDone(err error, key crypto.Signer) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.inFlight.keygen = false
	if c.shuttingDown {
		c.maybeFinishCloseLocked()
		return
	}
	if c.work == nil {
		return
	}

	if err != nil {
		c.handleCertTrackError(wrapErr(KindResourceExhaustion, err), c.enterNewCertFlow)
		return
	}

	c.certSuccess()
	c.work.pkey = key
	c.work.keygenDone = true
	c.tryFinalize()
}

// ListOrdersDone delivers the completion of a ListOrders call.
func (c *Core) ListOrdersDone(err error, orderURLs []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.inFlight.listOrders = false
	if c.shuttingDown {
		c.maybeFinishCloseLocked()
		return
	}
	if c.work == nil {
		return
	}

	if err != nil {
		c.handleCertTrackError(wrapErr(KindTransientNetwork, err), c.enterNewCertFlow)
		return
	}

	c.certSuccess()
	c.work.pendingOrders = orderURLs
	c.processNextOrder()
}

// processNextOrder inspects the next listed order in sequence, or, once
// the list is exhausted with no usable match, creates a fresh order.
func (c *Core) processNextOrder() {
	if len(c.work.pendingOrders) == 0 {
		c.issueNewOrder()
		return
	}
	url := c.work.pendingOrders[0]
	c.work.pendingOrders = c.work.pendingOrders[1:]
	c.work.orderURL = url

	c.phase = phaseGetOrder
	c.inFlight.getOrder = true
	c.collab.GetOrder(c.account, url)
}

// GetOrderDone delivers the completion of a GetOrder call.
func (c *Core) GetOrderDone(err error, result GetOrderResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.inFlight.getOrder = false
	if c.shuttingDown {
		c.maybeFinishCloseLocked()
		return
	}
	if c.work == nil {
		return
	}

	url := c.work.orderURL
	if err != nil {
		c.handleCertTrackError(wrapErr(KindTransientNetwork, err), func() {
			c.work.orderURL = url
			c.phase = phaseGetOrder
			c.inFlight.getOrder = true
			c.collab.GetOrder(c.account, url)
		})
		return
	}

	c.certSuccess()

	if result.Domain != "" && result.Domain != c.fulldomain {
		c.processNextOrder()
		return
	}

	switch result.Status {
	case OrderStatusValid:
		c.work.certURL = result.CertURL
		c.issueFinalizeFromValid()
	case OrderStatusProcessing:
		c.work.retryAfter = result.RetryAfter
		c.issueFinalizeFromProcessing()
	case OrderStatusReady:
		c.work.finalizeURL = result.Finalize
		c.work.finalizeReady = true
		c.tryFinalize()
	case OrderStatusPending:
		c.issueGetAuthz(result.Authz)
	default: // OrderStatusInvalid, OrderStatusUnknown, or any dead status
		c.processNextOrder()
	}
}

func (c *Core) issueNewOrder() {
	c.phase = phaseNewOrder
	c.inFlight.newOrder = true
	c.collab.NewOrder(c.account, c.fulldomain)
}

// NewOrderDone delivers the completion of a NewOrder call.
func (c *Core) NewOrderDone(err error, result NewOrderResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.inFlight.newOrder = false
	if c.shuttingDown {
		c.maybeFinishCloseLocked()
		return
	}
	if c.work == nil {
		return
	}

	if err != nil {
		c.handleCertTrackError(wrapErr(KindTransientNetwork, err), c.issueNewOrder)
		return
	}

	c.certSuccess()
	c.work.orderURL = result.Order
	c.work.finalizeURL = result.Finalize
	c.issueGetAuthz(result.Authz)
}

func (c *Core) issueGetAuthz(authzURL string) {
	c.work.authzURL = authzURL
	c.phase = phaseGetAuthz
	c.inFlight.getAuthz = true
	c.collab.GetAuthz(c.account, authzURL)
}

// GetAuthzDone delivers the completion of both GetAuthz and ChallengeFinish
// calls, which share a result shape.
func (c *Core) GetAuthzDone(err error, result GetAuthzResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.inFlight.getAuthz = false
	if c.shuttingDown {
		c.maybeFinishCloseLocked()
		return
	}
	if c.work == nil {
		return
	}

	wasPolling := c.phase == phaseChallengeFinish

	if err != nil {
		retry := func() { c.issueGetAuthz(c.work.authzURL) }
		if wasPolling {
			retry = func() { c.issueChallengeFinish(c.work.retryAfter) }
		}
		c.handleCertTrackError(wrapErr(KindTransientNetwork, err), retry)
		return
	}

	c.certSuccess()

	if result.Status == AuthzStatusInvalid {
		c.scheduleCertRetry(c.restartNewCertFlow)
		return
	}

	switch result.ChallengeStatus {
	case ChallengeStatusPending:
		c.work.token = result.Token
		c.work.challengeURL = result.Challenge
		proof, err := dns01Proof(c.work.token, c.thumbprint)
		if err != nil {
			c.failFatal(wrapErr(KindProtocolViolation, err))
			return
		}
		c.phase = phasePrepare
		c.inFlight.prepare = true
		c.collab.Prepare(c.work.token, proof)
	case ChallengeStatusProcessing:
		c.issueChallengeFinish(result.RetryAfter)
	case ChallengeStatusValid:
		c.work.finalizeReady = true
		c.tryFinalize()
	default: // ChallengeStatusInvalid or unknown
		c.scheduleCertRetry(c.restartNewCertFlow)
	}
}

func (c *Core) issueChallengeFinish(retryAfter time.Duration) {
	c.work.retryAfter = retryAfter
	c.phase = phaseChallengeFinish
	c.inFlight.getAuthz = true
	c.collab.ChallengeFinish(c.account, c.work.authzURL, retryAfter)
}

// PrepareDone delivers the completion of a Prepare call.
func (c *Core) PrepareDone(err error, result PrepareResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.inFlight.prepare = false
	if c.shuttingDown {
		c.maybeFinishCloseLocked()
		return
	}
	if c.work == nil {
		return
	}

	if err != nil {
		c.handleCertTrackError(wrapErr(KindTransientNetwork, err), c.issuePrepare)
		return
	}

	switch {
	case result.Status == "success" && result.Contents.Result == "ok":
		c.certSuccess()
		c.phase = phaseChallenge
		c.inFlight.challenge = true
		c.collab.Challenge(c.account, c.work.authzURL, c.work.challengeURL)
	case result.Status == "success" && result.Contents.Result == "timeout":
		// splintermail's own in-band wait; retry immediately without
		// consuming a backoff step.
		c.issuePrepare()
	default:
		c.scheduleCertRetry(c.restartNewCertFlow)
	}
}

func (c *Core) issuePrepare() {
	proof, err := dns01Proof(c.work.token, c.thumbprint)
	if err != nil {
		c.failFatal(wrapErr(KindProtocolViolation, err))
		return
	}
	c.phase = phasePrepare
	c.inFlight.prepare = true
	c.collab.Prepare(c.work.token, proof)
}

// ChallengeDone delivers the completion of a Challenge call.
func (c *Core) ChallengeDone(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.inFlight.challenge = false
	if c.shuttingDown {
		c.maybeFinishCloseLocked()
		return
	}
	if c.work == nil {
		return
	}

	if err != nil {
		retry := func() {
			c.phase = phaseChallenge
			c.inFlight.challenge = true
			c.collab.Challenge(c.account, c.work.authzURL, c.work.challengeURL)
		}
		c.handleCertTrackError(wrapErr(KindTransientNetwork, err), retry)
		return
	}

	c.certSuccess()
	c.work.finalizeReady = true
	c.tryFinalize()
}

// tryFinalize submits the CSR once both the off-thread keygen and the
// authorization flow have reached a finalize-ready state. Until both are
// true, it is a no-op; whichever of KeygenDone/ChallengeDone/GetAuthzDone
// arrives last is what actually triggers the call.
func (c *Core) tryFinalize() {
	if c.work == nil || !c.work.keygenDone || !c.work.finalizeReady {
		return
	}
	c.phase = phaseFinalize
	c.inFlight.finalize = true
	c.collab.Finalize(c.account, c.work.orderURL, c.work.finalizeURL, c.fulldomain, c.work.pkey)
}

func (c *Core) issueFinalizeFromValid() {
	c.phase = phaseDownload
	c.inFlight.finalize = true
	c.collab.FinalizeFromValid(c.account, c.work.certURL)
}

func (c *Core) issueFinalizeFromProcessing() {
	c.phase = phaseFinalizePoll
	c.inFlight.finalize = true
	c.collab.FinalizeFromProcessing(c.account, c.work.orderURL, c.work.retryAfter)
}

// FinalizeDone delivers the completion of Finalize, FinalizeFromProcessing,
// and FinalizeFromValid calls, which all resolve to a PEM certificate
// chain on success.
func (c *Core) FinalizeDone(err error, certPEM []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.inFlight.finalize = false
	if c.shuttingDown {
		c.maybeFinishCloseLocked()
		return
	}
	if c.work == nil {
		return
	}

	phase := c.phase
	if err != nil {
		retry := c.restartNewCertFlow
		switch phase {
		case phaseDownload:
			retry = c.issueFinalizeFromValid
		case phaseFinalizePoll:
			retry = c.issueFinalizeFromProcessing
		case phaseFinalize:
			retry = func() { c.tryFinalize() }
		}
		c.handleCertTrackError(wrapErr(KindTransientNetwork, err), retry)
		return
	}

	c.certSuccess()
	c.install(certPEM)
}

// install stages and promotes the issued certificate, exposes it to the
// host, schedules the next renewal, and kicks off the unprepare track for
// the DNS record this attempt published (a no-op if none was published,
// e.g. on the finalize_from_valid short-circuit path).
func (c *Core) install(certPEM []byte) {
	token := c.work.token

	if err := c.store.installCert(certPEM); err != nil {
		c.failFatal(wrapErr(KindResourceExhaustion, err))
		return
	}

	pair := c.store.loadCertPair(keyFile, certFile, c.fulldomain)
	if pair == nil {
		c.failFatal(wrapErr(KindProtocolViolation, fmt.Errorf("installed cert pair failed validation")))
		return
	}

	bundle := newCertBundle(pair, c.fulldomain)
	c.work = nil
	c.phase = phaseHaveAccountIdle

	renewAt := pair.leaf.NotAfter.Add(-renewBefore)
	if renewAt.After(pair.leaf.NotAfter) {
		renewAt = pair.leaf.NotAfter
	}
	c.collab.DeadlineCert(renewAt)

	if c.onUpdate != nil {
		c.onUpdate(bundle)
	}

	if token != "" {
		c.unprep = unprepareWork{token: token}
		c.startUnprepare()
	}
}
