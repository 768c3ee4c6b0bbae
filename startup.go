package acmecore

// startup inspects the working directory and resolves the core's initial
// phase, called once from Init with mu already held. It returns the
// initial CertBundle if a valid certificate pair was found (nil
// otherwise).
func (c *Core) startup() *CertBundle {
	inst, err := c.store.loadInstallation()
	if err != nil {
		c.phase = phaseIdleUnconfigured
		c.armIdlePoll()
		return nil
	}
	c.installation = inst
	c.fulldomain = inst.FullDomain()

	acct, err := c.store.loadAccount()
	if err != nil {
		c.phase = phaseNeedAccount
		c.thumbprint, _ = c.store.loadThumbprint()
		c.issueNewAccount()
		return nil
	}
	c.account = acct

	current := c.store.loadCertPair(keyFile, certFile, c.fulldomain)
	staging := c.store.loadCertPair(keyNewFile, certNewFile, c.fulldomain)

	promoted, err := c.store.preferStagingIfNewer(current, staging)
	if err == nil {
		current = promoted
	}

	c.checkUnprepareOutstandingAtStartup()

	if current == nil {
		c.enterNewCertFlow()
		return nil
	}

	now := c.collab.Now()
	renewAt := current.leaf.NotAfter.Add(-renewBefore)
	if renewAt.After(current.leaf.NotAfter) {
		renewAt = current.leaf.NotAfter
	}

	if !now.Before(renewAt) {
		c.enterNewCertFlow()
		return nil
	}

	c.phase = phaseHaveAccountIdle
	c.collab.DeadlineCert(renewAt)
	return newCertBundle(current, c.fulldomain)
}

// checkUnprepareOutstandingAtStartup arms the unprepare track if a prior
// run installed a certificate but crashed before its unprepare call
// completed. Since the core doesn't persist the unprepare token across
// restarts (it is derived from the challenge, not the installation), all
// it can reliably do is rely on the installation token recorded in
// installation.json; if that token is non-empty, a prepared record might
// still exist and is worth one unprepare attempt.
func (c *Core) checkUnprepareOutstandingAtStartup() {
	if c.installation == nil || c.installation.Token == "" {
		return
	}
	c.unprep = unprepareWork{phase: unprepareNone, token: c.installation.Token}
	c.startUnprepare()
}

func (c *Core) handleCertDeadlineLocked() {
	switch c.phase {
	case phaseHaveAccountIdle:
		now := c.collab.Now()
		current := c.store.loadCertPair(keyFile, certFile, c.fulldomain)
		if current != nil && !current.leaf.NotAfter.After(now) {
			c.onUpdate(nil)
		}
		c.enterNewCertFlow()
	}
}

// armIdlePoll schedules retryStartupLocked to run again after
// idlePollInterval, via the backoff deadline (the cert deadline is reserved
// for renewal scheduling, a distinct channel).
func (c *Core) armIdlePoll() {
	c.retryOp = c.retryStartupLocked
	c.collab.DeadlineBackoff(c.collab.Now().Add(idlePollInterval))
}

// retryStartupLocked re-checks for installation.json while
// IDLE_UNCONFIGURED, called on the 5-second poll deadline.
func (c *Core) retryStartupLocked() {
	inst, err := c.store.loadInstallation()
	if err != nil {
		c.armIdlePoll()
		return
	}
	c.installation = inst
	c.fulldomain = inst.FullDomain()
	c.phase = phaseNeedAccount
	c.thumbprint, _ = c.store.loadThumbprint()
	c.issueNewAccount()
}
