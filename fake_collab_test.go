package acmecore

import (
	"crypto"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// call is one recorded invocation of a Collaborator action method (the
// three Deadline* setters are tracked separately below, since they fire far
// more often and asserting every one of them would make tests unreadably
// long).
type call struct {
	kind string
	args any
}

// fakeCollab is an in-memory Collaborator used to drive Core through a
// scenario one step at a time: the test calls into Core (via Init or a
// *Done method), fakeCollab records whatever Core called back into it, and
// the test asserts on that recording before manually invoking the next
// *Done to simulate the corresponding completion arriving.
type fakeCollab struct {
	t   *testing.T
	now time.Time

	calls []call

	lastDeadlineCert      time.Time
	lastDeadlineBackoff   time.Time
	lastDeadlineUnprepare time.Time

	closed bool
}

func newFakeCollab(t *testing.T, now time.Time) *fakeCollab {
	return &fakeCollab{t: t, now: now}
}

// popCall requires that exactly one call of the given kind is the oldest
// unconsumed recorded call, and returns its args.
func (f *fakeCollab) popCall(kind string) any {
	f.t.Helper()
	require.NotEmpty(f.t, f.calls, "expected a call to %s, got none", kind)
	got := f.calls[0]
	f.calls = f.calls[1:]
	require.Equal(f.t, kind, got.kind, "unexpected call order")
	return got.args
}

func (f *fakeCollab) requireNoMoreCalls() {
	f.t.Helper()
	require.Empty(f.t, f.calls, "unexpected leftover calls")
}

func (f *fakeCollab) Now() time.Time { return f.now }

func (f *fakeCollab) DeadlineCert(when time.Time)      { f.lastDeadlineCert = when }
func (f *fakeCollab) DeadlineBackoff(when time.Time)   { f.lastDeadlineBackoff = when }
func (f *fakeCollab) DeadlineUnprepare(when time.Time) { f.lastDeadlineUnprepare = when }

type prepareArgs struct{ token, proof string }
type newAccountArgs struct {
	key              crypto.Signer
	email, thumbprint string
}
type newOrderArgs struct{ domain string }
type getOrderArgs struct{ order string }
type challengeArgs struct{ authz, challenge string }
type challengeFinishArgs struct {
	authz      string
	retryAfter time.Duration
}
type finalizeArgs struct {
	order, finalize, domain string
	pkey                    crypto.Signer
}
type finalizeFromProcessingArgs struct {
	order      string
	retryAfter time.Duration
}

func (f *fakeCollab) Prepare(token, proof string) {
	f.calls = append(f.calls, call{"Prepare", prepareArgs{token, proof}})
}

func (f *fakeCollab) Unprepare(token string) {
	f.calls = append(f.calls, call{"Unprepare", token})
}

func (f *fakeCollab) Keygen(path string) {
	f.calls = append(f.calls, call{"Keygen", path})
}

func (f *fakeCollab) NewAccount(key crypto.Signer, email, thumbprint string) {
	f.calls = append(f.calls, call{"NewAccount", newAccountArgs{key, email, thumbprint}})
}

func (f *fakeCollab) NewOrder(acct *Account, domain string) {
	f.calls = append(f.calls, call{"NewOrder", newOrderArgs{domain}})
}

func (f *fakeCollab) GetOrder(acct *Account, order string) {
	f.calls = append(f.calls, call{"GetOrder", getOrderArgs{order}})
}

func (f *fakeCollab) ListOrders(acct *Account) {
	f.calls = append(f.calls, call{"ListOrders", nil})
}

func (f *fakeCollab) GetAuthz(acct *Account, authz string) {
	f.calls = append(f.calls, call{"GetAuthz", authz})
}

func (f *fakeCollab) Challenge(acct *Account, authz, challenge string) {
	f.calls = append(f.calls, call{"Challenge", challengeArgs{authz, challenge}})
}

func (f *fakeCollab) ChallengeFinish(acct *Account, authz string, retryAfter time.Duration) {
	f.calls = append(f.calls, call{"ChallengeFinish", challengeFinishArgs{authz, retryAfter}})
}

func (f *fakeCollab) Finalize(acct *Account, order, finalize, domain string, pkey crypto.Signer) {
	f.calls = append(f.calls, call{"Finalize", finalizeArgs{order, finalize, domain, pkey}})
}

func (f *fakeCollab) FinalizeFromProcessing(acct *Account, order string, retryAfter time.Duration) {
	f.calls = append(f.calls, call{"FinalizeFromProcessing", finalizeFromProcessingArgs{order, retryAfter}})
}

func (f *fakeCollab) FinalizeFromValid(acct *Account, certURL string) {
	f.calls = append(f.calls, call{"FinalizeFromValid", certURL})
}

func (f *fakeCollab) Close() {
	f.closed = true
	f.calls = append(f.calls, call{"Close", nil})
}
