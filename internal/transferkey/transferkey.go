// Package transferkey builds the deterministic ledger-entry identifiers
// used for at-most-once money movement.
//
// A transfer id encodes the logical operation that produced it:
//
//	REF-{stakeID}-{userID}   referral bonus sweep for a new stake
//	DIST-{stakeID}-{userID}  unlock sweep payment to one user
//
// Re-executing the same operation rebuilds the same id, so a write that
// finds the id already present knows the money has already moved. This is
// a content-addressed idempotency key: any future at-most-once side effect
// should mint its id the same way.
package transferkey

import (
	"errors"
	"fmt"
	"strings"
)

// Transfer kinds.
const (
	KindReferral     = "REF"
	KindDistribution = "DIST"
)

// ErrUnknownKind is returned when an id does not carry a recognized
// kind prefix.
var ErrUnknownKind = errors.New("transferkey: unknown transfer kind")

// Referral returns the idempotency key for the referral-bonus sweep of
// one stake paying one referrer.
func Referral(stakeID, referrerID string) string {
	return fmt.Sprintf("%s-%s-%s", KindReferral, stakeID, referrerID)
}

// Distribution returns the idempotency key for the unlock-sweep payment
// of one stake to one user.
func Distribution(stakeID, userID string) string {
	return fmt.Sprintf("%s-%s-%s", KindDistribution, stakeID, userID)
}

// Kind classifies a transfer id by its prefix.
func Kind(id string) (string, error) {
	switch {
	case strings.HasPrefix(id, KindReferral+"-"):
		return KindReferral, nil
	case strings.HasPrefix(id, KindDistribution+"-"):
		return KindDistribution, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownKind, id)
}
