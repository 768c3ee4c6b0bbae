package acmecore

import "time"

// startUnprepare issues an Unprepare call for the token the caller has
// already stored in c.unprep, unless one is already outstanding (the
// core never issues two Unprepare calls at once). If a call is already in
// flight, UnprepareDone picks up whatever token is current once it
// completes — this is how installing a new certificate while an old
// unprepare is still draining "resets" the track onto the new token.
func (c *Core) startUnprepare() {
	if c.inFlight.unprepare {
		return
	}
	c.issueUnprepare()
}

func (c *Core) issueUnprepare() {
	c.unprep.phase = unpreparePending
	c.unprepInFlightToken = c.unprep.token
	c.inFlight.unprepare = true
	c.collab.Unprepare(c.unprep.token)
}

// UnprepareDone delivers the completion of an Unprepare call. Any failure
// at all, not only transient ones, is retried on the flat unprepare delay.
func (c *Core) UnprepareDone(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.inFlight.unprepare = false
	if c.shuttingDown {
		c.maybeFinishCloseLocked()
		return
	}

	if err != nil {
		c.unprep.phase = unprepareBackoff
		c.collab.DeadlineUnprepare(c.collab.Now().Add(c.unprepareBackoff.NextBackOff()))
		return
	}

	if c.unprep.token != c.unprepInFlightToken {
		// install() queued a newer token while this call was in flight; the
		// token this call just tore down is stale, and the queued one was
		// never actually issued. Re-issue for it now instead of discarding.
		c.unprepareBackoff.Reset()
		c.issueUnprepare()
		return
	}

	c.unprepareBackoff.Reset()
	c.collab.DeadlineUnprepare(time.Time{})
	c.unprep = unprepareWork{}
	c.unprepInFlightToken = ""
}

// retryUnprepareLocked is called when the unprepare deadline fires.
func (c *Core) retryUnprepareLocked() {
	if c.unprep.token == "" || c.inFlight.unprepare {
		return
	}
	if c.unprep.phase != unprepareBackoff {
		return
	}
	c.issueUnprepare()
}
