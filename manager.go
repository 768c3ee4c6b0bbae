package acmecore

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	jose "github.com/go-jose/go-jose/v4"

	"github.com/splintermail/acmecore/internal/logging"
)

// Core drives a single domain's certificate lifecycle. It is created by
// Init, runs until Close is called, drains all in-flight collaborator
// calls, and then invokes its DoneFunc exactly once. A Core is single-use.
//
// All core state is touched only while mu is held. The run model is meant
// to be single-threaded cooperative (one event-loop thread calling every
// *Done method in turn), but completions legitimately arrive from
// independent goroutines (keygen runs off-thread by design), so mu exists
// to make that safe rather than to protect against real concurrent state
// mutation from the state machine's own logic.
type Core struct {
	mu sync.Mutex

	dir    string
	store  *store
	collab Collaborator

	onUpdate UpdateFunc
	onDone   DoneFunc

	installation *Installation
	fulldomain   string
	account      *Account
	thumbprint   string

	// pendingAccountKey holds the just-generated account key between
	// issueNewAccount and NewAccountDone, since the collaborator only
	// echoes back {kid, orders} on success.
	pendingAccountKey *jose.JSONWebKey

	phase certPhase
	work  *newCertWork

	unprep unprepareWork

	// unprepInFlightToken is the token actually passed to the collaborator
	// on the most recent Unprepare call, which can lag c.unprep.token if
	// install() queued a newer token while that call was still outstanding.
	unprepInFlightToken string

	certBackoff      backoff.BackOff
	unprepareBackoff backoff.BackOff

	// retryOp is the action to repeat when the armed backoff deadline
	// fires. nil unless a backoff is currently armed.
	retryOp func()

	shuttingDown bool
	closeErr     error
	doneFired    bool

	inFlight inFlightSet
}

// inFlightSet tracks, per collaborator category, whether a call is
// currently outstanding. On shutdown the core waits for every true entry
// to go false (via its *Done arriving with a CANCELED error) before firing
// DoneFunc.
type inFlightSet struct {
	prepare, unprepare, keygen      bool
	newAccount, newOrder, getOrder  bool
	listOrders, getAuthz, challenge bool
	finalize                        bool
}

func (s inFlightSet) any() bool {
	return s.prepare || s.unprepare || s.keygen ||
		s.newAccount || s.newOrder || s.getOrder ||
		s.listOrders || s.getAuthz || s.challenge || s.finalize
}

// Init constructs a Core rooted at dir, reconciles on-disk state, and
// returns it along with the initial CertBundle if a valid certificate pair
// was found on disk (nil otherwise). onUpdate is called whenever the
// served certificate changes; onDone fires exactly once, when the core has
// fully shut down after Close.
func Init(dir string, collab Collaborator, onUpdate UpdateFunc, onDone DoneFunc) (*Core, *CertBundle) {
	c := &Core{
		dir:              dir,
		store:            newStore(dir),
		collab:           collab,
		onUpdate:         onUpdate,
		onDone:           onDone,
		certBackoff:      newCertBackoff(),
		unprepareBackoff: newUnprepareBackoff(),
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	initial := c.startup()
	c.advanceLocked()
	return c, initial
}

// Close begins shutdown: no further outbound calls are issued, every
// in-flight call is expected to complete with a CANCELED error, timers are
// disarmed, and DoneFunc fires once that drain completes. Re-entering
// Close is idempotent.
func (c *Core) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.shuttingDown {
		return
	}
	c.shuttingDown = true
	c.retryOp = nil

	c.collab.DeadlineCert(time.Time{})
	c.collab.DeadlineBackoff(time.Time{})
	c.collab.DeadlineUnprepare(time.Time{})
	c.collab.Close()

	c.maybeFinishCloseLocked()
}

func (c *Core) maybeFinishCloseLocked() {
	if !c.shuttingDown || c.doneFired {
		return
	}
	if c.inFlight.any() {
		return
	}
	c.doneFired = true
	if c.onDone != nil {
		c.onDone(c.closeErr)
	}
}

// failFatal aborts the cert track: it logs the fatal error, records it as
// the shutdown error, and initiates Close. Called with mu held.
func (c *Core) failFatal(err error) {
	logging.Error("fatal error, shutting down: %v", err)
	if c.closeErr == nil {
		c.closeErr = err
	}
	c.mu.Unlock()
	c.Close()
	c.mu.Lock()
}

// scheduleCertRetry arms the backoff deadline and remembers op as the
// action to repeat once it fires.
func (c *Core) scheduleCertRetry(op func()) {
	c.retryOp = op
	d := c.certBackoff.NextBackOff()
	c.collab.DeadlineBackoff(c.collab.Now().Add(d))
}

// certSuccess resets the backoff progression; called after every
// successful completion on the cert track.
func (c *Core) certSuccess() {
	c.certBackoff.Reset()
}

// DeadlineCertFired must be called by the host when the deadline armed via
// Collaborator.DeadlineCert is reached.
func (c *Core) DeadlineCertFired() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shuttingDown {
		return
	}
	c.handleCertDeadlineLocked()
}

// DeadlineBackoffFired must be called by the host when the deadline armed
// via Collaborator.DeadlineBackoff is reached.
func (c *Core) DeadlineBackoffFired() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shuttingDown {
		return
	}
	op := c.retryOp
	c.retryOp = nil
	if op != nil {
		op()
	}
	c.advanceLocked()
}

// DeadlineUnprepareFired must be called by the host when the deadline
// armed via Collaborator.DeadlineUnprepare is reached.
func (c *Core) DeadlineUnprepareFired() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shuttingDown {
		return
	}
	c.retryUnprepareLocked()
	c.advanceLocked()
}

// advanceLocked runs after any event that might have just finished
// draining in-flight work during shutdown. Every other transition is
// driven directly from the *Done or *Fired method that triggers it, since
// that method already knows what just completed; this only needs to
// catch the shutdown-drain case those methods don't all check themselves.
func (c *Core) advanceLocked() {
	if c.shuttingDown {
		c.maybeFinishCloseLocked()
		return
	}
}
