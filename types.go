package acmecore

import (
	"crypto"
	"time"

	jose "github.com/go-jose/go-jose/v4"
)

// Installation is the read-only configuration loaded from
// installation.json. Its absence means "unconfigured".
type Installation struct {
	Email     string `json:"email"`
	Secret    string `json:"secret"`
	Subdomain string `json:"subdomain"`
	Token     string `json:"token"`
}

// FullDomain derives the fully-qualified domain this installation manages a
// certificate for.
func (i Installation) FullDomain() string {
	return i.Subdomain + ".user.splintermail.com"
}

// Account is the persisted ACME account: a JWK-encoded keypair plus the
// URLs the ACME server assigned this account.
type Account struct {
	Key    *jose.JSONWebKey `json:"key"`
	Kid    string           `json:"kid"`
	Orders string           `json:"orders"`
}

// PublicJWK returns the account's public key as a bare JWK, suitable for
// persisting as jwk.json (no "d" component).
func (a *Account) PublicJWK() *jose.JSONWebKey {
	pub := a.Key.Public()
	return &pub
}

// Thumbprint computes the RFC 7638 base64url thumbprint of the account's
// public key, used both as a DNS-01 proof ingredient and as a startup
// optimization hint passed to new_account.
func (a *Account) Thumbprint() (string, error) {
	return thumbprintOf(a.PublicJWK())
}

// Signer exposes the account key as a crypto.Signer for JWS operations
// performed by the collaborator (out of this package's scope, but the type
// is what a Collaborator implementation will want).
func (a *Account) Signer() crypto.Signer {
	if s, ok := a.Key.Key.(crypto.Signer); ok {
		return s
	}
	return nil
}

// OrderStatus mirrors the ACME order status enum (RFC 8555 §7.1.6).
type OrderStatus int

const (
	OrderStatusUnknown OrderStatus = iota
	OrderStatusPending
	OrderStatusReady
	OrderStatusProcessing
	OrderStatusValid
	OrderStatusInvalid
)

// AuthzStatus mirrors the ACME authorization status enum (RFC 8555 §7.1.6).
type AuthzStatus int

const (
	AuthzStatusUnknown AuthzStatus = iota
	AuthzStatusPending
	AuthzStatusProcessing
	AuthzStatusValid
	AuthzStatusInvalid
	AuthzStatusDeactivated
	AuthzStatusExpired
	AuthzStatusRevoked
)

// ChallengeStatus mirrors the ACME challenge status enum.
type ChallengeStatus int

const (
	ChallengeStatusUnknown ChallengeStatus = iota
	ChallengeStatusPending
	ChallengeStatusProcessing
	ChallengeStatusValid
	ChallengeStatusInvalid
)

// NewOrderResult is the completion payload of new_order.
type NewOrderResult struct {
	Order    string
	Expires  time.Time
	Authz    string
	Finalize string
}

// GetOrderResult is the completion payload of get_order.
type GetOrderResult struct {
	Status     OrderStatus
	Domain     string
	Expires    time.Time
	Authz      string
	Finalize   string
	CertURL    string
	RetryAfter time.Duration
}

// GetAuthzResult is the completion payload of get_authz.
type GetAuthzResult struct {
	Status          AuthzStatus
	ChallengeStatus ChallengeStatus
	Domain          string
	Expires         time.Time
	Challenge       string
	Token           string
	RetryAfter      time.Duration
}

// PrepareResult is the decoded splintermail prepare/unprepare response body,
// e.g. {"status":"success","contents":{"result":"ok"}}.
type PrepareResult struct {
	Status string `json:"status"`
	Contents struct {
		Result string `json:"result"`
	} `json:"contents"`
}

// certPhase identifies where in the new-cert flow the core currently is.
type certPhase int

const (
	phaseIdleUnconfigured certPhase = iota
	phaseNeedAccount
	phaseHaveAccountIdle
	phaseKeygen
	phaseListOrders
	phaseGetOrder
	phaseNewOrder
	phaseGetAuthz
	phasePrepare
	phaseChallenge
	phaseChallengeFinish
	phaseFinalize
	phaseFinalizePoll
	phaseDownload
	phaseInstall
)

func (p certPhase) String() string {
	switch p {
	case phaseIdleUnconfigured:
		return "IDLE_UNCONFIGURED"
	case phaseNeedAccount:
		return "NEED_ACCOUNT"
	case phaseHaveAccountIdle:
		return "HAVE_ACCOUNT_IDLE"
	case phaseKeygen:
		return "NEW_CERT_KEYGEN"
	case phaseListOrders:
		return "NEW_CERT_LIST_ORDERS"
	case phaseGetOrder:
		return "NEW_CERT_GET_ORDER"
	case phaseNewOrder:
		return "NEW_CERT_NEW_ORDER"
	case phaseGetAuthz:
		return "NEW_CERT_GET_AUTHZ"
	case phasePrepare:
		return "NEW_CERT_PREPARE"
	case phaseChallenge:
		return "NEW_CERT_CHALLENGE"
	case phaseChallengeFinish:
		return "NEW_CERT_CHALLENGE_FINISH"
	case phaseFinalize:
		return "NEW_CERT_FINALIZE"
	case phaseFinalizePoll:
		return "NEW_CERT_FINALIZE_POLL"
	case phaseDownload:
		return "NEW_CERT_DOWNLOAD"
	case phaseInstall:
		return "NEW_CERT_INSTALL"
	default:
		return "UNKNOWN"
	}
}

// newCertWork carries the transient, in-memory state of a single new-cert
// attempt. It is recreated whenever the core (re-)enters NEW_CERT_KEYGEN and
// discarded once the attempt installs a certificate. It is a flat struct
// rather than a tagged union; each phase only reads the fields it
// populated. See DESIGN.md for why.
type newCertWork struct {
	orderURL      string
	authzURL      string
	finalizeURL   string
	certURL       string
	token         string
	challengeURL  string
	pkey          crypto.Signer
	keygenDone    bool
	finalizeReady bool
	retryAfter    time.Duration

	// remaining order URLs still to be inspected by NEW_CERT_LIST_ORDERS.
	pendingOrders []string
}

// unpreparePhase is the unprepare track's state, independent of the cert
// track.
type unpreparePhase int

const (
	unprepareNone unpreparePhase = iota
	unpreparePending
	unprepareBackoff
)

func (p unpreparePhase) String() string {
	switch p {
	case unprepareNone:
		return "UNPREPARE_NONE"
	case unpreparePending:
		return "UNPREPARE_PENDING"
	case unprepareBackoff:
		return "UNPREPARE_BACKOFF"
	default:
		return "UNKNOWN"
	}
}

// unprepareWork carries the transient state of the unprepare track.
type unprepareWork struct {
	phase unpreparePhase
	token string
}
