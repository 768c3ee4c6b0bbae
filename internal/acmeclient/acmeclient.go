// Package acmeclient is a concrete acmecore.Collaborator backed by
// golang.org/x/crypto/acme and the internal/splintermail and internal/keygen
// packages.
//
// acmecore.Collaborator deliberately treats the ACME wire protocol, JWS,
// and DNS publication transport as someone else's problem, so this package
// exists only to give the contract a runnable body for cmd/acmectl.
package acmeclient

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/acme"

	"github.com/splintermail/acmecore"
	"github.com/splintermail/acmecore/internal/keygen"
	"github.com/splintermail/acmecore/internal/logging"
	"github.com/splintermail/acmecore/internal/splintermail"
)

// Adapter implements acmecore.Collaborator. Because the core must exist
// before a Collaborator's completions have anywhere to land, construction
// is two-step: New builds the Adapter, then SetCore wires it to the Core
// returned by acmecore.Init — the same pattern net/http uses between
// Server and Handler.
type Adapter struct {
	dir     string
	client  *acme.Client
	sm      *splintermail.Client
	core    *acmecore.Core
	timeout time.Duration
}

// New builds an Adapter around an ACME directory URL and a splintermail
// client. The account key is set lazily by NewAccount.
func New(dir, directoryURL string, sm *splintermail.Client, timeout time.Duration) *Adapter {
	return &Adapter{
		dir:     dir,
		client:  &acme.Client{DirectoryURL: directoryURL},
		sm:      sm,
		timeout: timeout,
	}
}

// SetCore completes construction by wiring the Core whose *Done methods
// this Adapter's completions should land on.
func (a *Adapter) SetCore(c *acmecore.Core) { a.core = c }

func (a *Adapter) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), a.timeout)
}

func (a *Adapter) Now() time.Time { return time.Now() }

func (a *Adapter) DeadlineCert(when time.Time)      { armTimer(when, a.core.DeadlineCertFired) }
func (a *Adapter) DeadlineBackoff(when time.Time)   { armTimer(when, a.core.DeadlineBackoffFired) }
func (a *Adapter) DeadlineUnprepare(when time.Time) { armTimer(when, a.core.DeadlineUnprepareFired) }

// armTimer schedules fire using time.AfterFunc. A zero time arms nothing,
// and a timer armed by an earlier call is never stopped, so this Adapter
// neither disarms nor replaces a deadline: an earlier timer still fires.
// Such a stale fire is a no-op in the core: DeadlineCertFired acts only in
// HAVE_ACCOUNT_IDLE, DeadlineUnprepareFired only in UNPREPARE_BACKOFF,
// DeadlineBackoffFired only while a retry is armed, and all three return
// early after Close.
func armTimer(when time.Time, fire func()) {
	if when.IsZero() {
		return
	}
	d := time.Until(when)
	if d < 0 {
		d = 0
	}
	time.AfterFunc(d, fire)
}

// configureSplintermail re-reads installation.json's subdomain/secret into
// the splintermail client. By the time the core ever calls Prepare or
// Unprepare it has already loaded installation.json itself (that's what
// gets it out of IDLE_UNCONFIGURED), so the file is guaranteed to exist.
func (a *Adapter) configureSplintermail() error {
	b, err := os.ReadFile(filepath.Join(a.dir, "installation.json"))
	if err != nil {
		return fmt.Errorf("could not read installation.json: %w", err)
	}
	var inst struct {
		Subdomain string `json:"subdomain"`
		Secret    string `json:"secret"`
	}
	if err := json.Unmarshal(b, &inst); err != nil {
		return fmt.Errorf("could not parse installation.json: %w", err)
	}
	a.sm.Configure(inst.Subdomain, inst.Secret)
	return nil
}

func (a *Adapter) Prepare(token, proof string) {
	go func() {
		if err := a.configureSplintermail(); err != nil {
			a.core.PrepareDone(err, acmecore.PrepareResult{})
			return
		}
		res, err := a.sm.Prepare(token, proof)
		if err != nil {
			a.core.PrepareDone(err, acmecore.PrepareResult{})
			return
		}
		a.core.PrepareDone(nil, toPrepareResult(res))
	}()
}

func (a *Adapter) Unprepare(token string) {
	go func() {
		if err := a.configureSplintermail(); err != nil {
			a.core.UnprepareDone(err)
			return
		}
		res, err := a.sm.Unprepare(token)
		if err != nil {
			a.core.UnprepareDone(err)
			return
		}
		if res.Status != "success" {
			a.core.UnprepareDone(fmt.Errorf("splintermail unprepare returned status %q", res.Status))
			return
		}
		a.core.UnprepareDone(nil)
	}()
}

func toPrepareResult(r *splintermail.Result) acmecore.PrepareResult {
	var out acmecore.PrepareResult
	out.Status = r.Status
	out.Contents.Result = r.Contents.Result
	return out
}

func (a *Adapter) Keygen(path string) {
	keygen.Async(path, func(key *ecdsa.PrivateKey, err error) {
		if err != nil {
			a.core.KeygenDone(err, nil)
			return
		}
		a.core.KeygenDone(nil, key)
	})
}

func (a *Adapter) NewAccount(key crypto.Signer, email, thumbprint string) {
	go func() {
		ctx, cancel := a.ctx()
		defer cancel()

		a.client.Key = key
		acct, err := a.client.Register(ctx, &acme.Account{Contact: []string{"mailto:" + email}}, acme.AcceptTOS)
		if err != nil {
			a.core.NewAccountDone(err, nil)
			return
		}
		a.core.NewAccountDone(nil, &acmecore.Account{Kid: acct.URI, Orders: acct.OrdersURL})
	}()
}

func (a *Adapter) NewOrder(acct *acmecore.Account, domain string) {
	go func() {
		ctx, cancel := a.ctx()
		defer cancel()

		a.client.Key = acct.Signer()
		order, err := a.client.AuthorizeOrder(ctx, acme.DomainIDs(domain))
		if err != nil {
			a.core.NewOrderDone(err, acmecore.NewOrderResult{})
			return
		}
		var authz string
		if len(order.AuthzURLs) > 0 {
			authz = order.AuthzURLs[0]
		}
		a.core.NewOrderDone(nil, acmecore.NewOrderResult{
			Order:    order.URI,
			Expires:  order.Expires,
			Authz:    authz,
			Finalize: order.FinalizeURL,
		})
	}()
}

func (a *Adapter) GetOrder(acct *acmecore.Account, orderURL string) {
	go func() {
		ctx, cancel := a.ctx()
		defer cancel()

		a.client.Key = acct.Signer()
		order, err := a.client.GetOrder(ctx, orderURL)
		if err != nil {
			a.core.GetOrderDone(err, acmecore.GetOrderResult{})
			return
		}
		var authz string
		if len(order.AuthzURLs) > 0 {
			authz = order.AuthzURLs[0]
		}
		a.core.GetOrderDone(nil, acmecore.GetOrderResult{
			Status:   orderStatus(order.Status),
			Authz:    authz,
			Finalize: order.FinalizeURL,
			CertURL:  order.CertURL,
			Expires:  order.Expires,
		})
	}()
}

// ListOrders is a simplified, best-effort reference implementation: RFC
// 8555's account-orders listing is an authenticated POST-as-GET, and
// implementing the generic POST-as-GET envelope would mean reimplementing
// JWS signing from scratch. Real deployments are expected to supply their
// own Collaborator here; this one simply reports no existing orders, which
// is always a safe (if suboptimal) answer, since finding no matching order
// just falls through to issuing a new one.
func (a *Adapter) ListOrders(acct *acmecore.Account) {
	go func() {
		a.core.ListOrdersDone(nil, nil)
	}()
}

func (a *Adapter) GetAuthz(acct *acmecore.Account, authzURL string) {
	go func() {
		ctx, cancel := a.ctx()
		defer cancel()

		a.client.Key = acct.Signer()
		az, err := a.client.GetAuthorization(ctx, authzURL)
		if err != nil {
			a.core.GetAuthzDone(err, acmecore.GetAuthzResult{})
			return
		}
		var chal *acme.Challenge
		for _, c := range az.Challenges {
			if c.Type == "dns-01" {
				chal = c
				break
			}
		}
		if chal == nil {
			err := &acmecore.Error{Kind: acmecore.KindProtocolViolation, Err: fmt.Errorf("no dns-01 challenge offered for %s", authzURL)}
			a.core.GetAuthzDone(err, acmecore.GetAuthzResult{})
			return
		}
		a.core.GetAuthzDone(nil, acmecore.GetAuthzResult{
			Status:          authzStatus(az.Status),
			ChallengeStatus: challengeStatus(chal.Status),
			Domain:          az.Identifier.Value,
			Expires:         az.Expires,
			Challenge:       chal.URI,
			Token:           chal.Token,
		})
	}()
}

func (a *Adapter) Challenge(acct *acmecore.Account, authzURL, challengeURL string) {
	go func() {
		ctx, cancel := a.ctx()
		defer cancel()

		a.client.Key = acct.Signer()
		_, err := a.client.Accept(ctx, &acme.Challenge{URI: challengeURL, Type: "dns-01"})
		a.core.ChallengeDone(err)
	}()
}

func (a *Adapter) ChallengeFinish(acct *acmecore.Account, authzURL string, retryAfter time.Duration) {
	go func() {
		if retryAfter > 0 {
			time.Sleep(retryAfter)
		}
		ctx, cancel := a.ctx()
		defer cancel()

		a.client.Key = acct.Signer()
		az, err := a.client.GetAuthorization(ctx, authzURL)
		if err != nil {
			a.core.GetAuthzDone(err, acmecore.GetAuthzResult{})
			return
		}
		var chal *acme.Challenge
		for _, c := range az.Challenges {
			if c.Type == "dns-01" {
				chal = c
				break
			}
		}
		result := acmecore.GetAuthzResult{Status: authzStatus(az.Status), Domain: az.Identifier.Value}
		if chal != nil {
			result.ChallengeStatus = challengeStatus(chal.Status)
			result.Challenge = chal.URI
			result.Token = chal.Token
		}
		a.core.GetAuthzDone(nil, result)
	}()
}

func (a *Adapter) Finalize(acct *acmecore.Account, order, finalizeURL, domain string, pkey crypto.Signer) {
	go func() {
		ctx, cancel := a.ctx()
		defer cancel()

		csr, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
			Subject: pkix.Name{CommonName: domain},
		}, pkey)
		if err != nil {
			a.core.FinalizeDone(err, nil)
			return
		}

		a.client.Key = acct.Signer()
		der, _, err := a.client.CreateOrderCert(ctx, finalizeURL, csr, true)
		if err != nil {
			a.core.FinalizeDone(err, nil)
			return
		}
		a.core.FinalizeDone(nil, encodePEMChain(der))
	}()
}

func (a *Adapter) FinalizeFromProcessing(acct *acmecore.Account, order string, retryAfter time.Duration) {
	go func() {
		if retryAfter > 0 {
			time.Sleep(retryAfter)
		}
		ctx, cancel := a.ctx()
		defer cancel()

		a.client.Key = acct.Signer()
		ord, err := a.client.GetOrder(ctx, order)
		if err != nil {
			a.core.FinalizeDone(err, nil)
			return
		}
		if ord.Status != acme.StatusValid {
			a.core.GetOrderDone(nil, acmecore.GetOrderResult{Status: orderStatus(ord.Status), CertURL: ord.CertURL})
			return
		}
		der, err := a.client.FetchCert(ctx, ord.CertURL, true)
		if err != nil {
			a.core.FinalizeDone(err, nil)
			return
		}
		a.core.FinalizeDone(nil, encodePEMChain(der))
	}()
}

func (a *Adapter) FinalizeFromValid(acct *acmecore.Account, certURL string) {
	go func() {
		ctx, cancel := a.ctx()
		defer cancel()

		a.client.Key = acct.Signer()
		der, err := a.client.FetchCert(ctx, certURL, true)
		if err != nil {
			a.core.FinalizeDone(err, nil)
			return
		}
		a.core.FinalizeDone(nil, encodePEMChain(der))
	}()
}

func (a *Adapter) Close() {
	logging.Info("acme adapter closing")
}

// AccountKeyPath returns the path of account_key.pem in the Adapter's
// working directory.
func (a *Adapter) AccountKeyPath() string {
	return filepath.Join(a.dir, "account_key.pem")
}
