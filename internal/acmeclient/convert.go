package acmeclient

import (
	"bytes"
	"encoding/pem"

	"golang.org/x/crypto/acme"

	"github.com/splintermail/acmecore"
)

func orderStatus(s string) acmecore.OrderStatus {
	switch s {
	case acme.StatusPending:
		return acmecore.OrderStatusPending
	case "ready":
		return acmecore.OrderStatusReady
	case acme.StatusProcessing:
		return acmecore.OrderStatusProcessing
	case acme.StatusValid:
		return acmecore.OrderStatusValid
	case acme.StatusInvalid:
		return acmecore.OrderStatusInvalid
	default:
		return acmecore.OrderStatusUnknown
	}
}

func authzStatus(s string) acmecore.AuthzStatus {
	switch s {
	case acme.StatusPending:
		return acmecore.AuthzStatusPending
	case acme.StatusProcessing:
		return acmecore.AuthzStatusProcessing
	case acme.StatusValid:
		return acmecore.AuthzStatusValid
	case acme.StatusInvalid:
		return acmecore.AuthzStatusInvalid
	case acme.StatusDeactivated:
		return acmecore.AuthzStatusDeactivated
	case acme.StatusExpired:
		return acmecore.AuthzStatusExpired
	case acme.StatusRevoked:
		return acmecore.AuthzStatusRevoked
	default:
		return acmecore.AuthzStatusUnknown
	}
}

func challengeStatus(s string) acmecore.ChallengeStatus {
	switch s {
	case acme.StatusPending:
		return acmecore.ChallengeStatusPending
	case acme.StatusProcessing:
		return acmecore.ChallengeStatusProcessing
	case acme.StatusValid:
		return acmecore.ChallengeStatusValid
	case acme.StatusInvalid:
		return acmecore.ChallengeStatusInvalid
	default:
		return acmecore.ChallengeStatusUnknown
	}
}

// encodePEMChain re-encodes a DER certificate chain (as returned by
// CreateOrderCert/FetchCert) as a single concatenated PEM document, the
// form acmecore's store.installCert writes to certnew.pem.
func encodePEMChain(der [][]byte) []byte {
	var buf bytes.Buffer
	for _, d := range der {
		pem.Encode(&buf, &pem.Block{Type: "CERTIFICATE", Bytes: d})
	}
	return buf.Bytes()
}
