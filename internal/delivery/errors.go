package delivery

import (
	"errors"
	"fmt"
)

// Reconciliation errors.
var (
	// ErrNoOffer means the entity has no confectioned offer to reconcile.
	ErrNoOffer = errors.New("no confectioned offer for this contact")
	// ErrWriteFailed means every write attempt was rejected.
	ErrWriteFailed = errors.New("offer update failed")
	// ErrNotPersisted means the backend reported success but the reloaded
	// offer does not contain the new deliveries.
	ErrNotPersisted = errors.New("backend reported success but did not persist the change")
	// ErrSaveInProgress rejects a second save for an entity already saving.
	ErrSaveInProgress = errors.New("a delivery save is already in progress for this contact")
	// ErrDuplicateRequest rejects a replayed idempotency key.
	ErrDuplicateRequest = errors.New("delivery request already processed")
	// ErrLoadFailed means the offers could not be read from the backend.
	ErrLoadFailed = errors.New("could not load offers")
	// ErrInvalidEntity rejects unknown entity kinds or blank references.
	ErrInvalidEntity = errors.New("invalid contact reference")
)

// WriteError carries the best message the backend gave across all attempts.
type WriteError struct {
	Attempts []string
	Message  string
}

func (e *WriteError) Error() string {
	if e.Message == "" {
		return ErrWriteFailed.Error()
	}
	return fmt.Sprintf("%s: %s", ErrWriteFailed.Error(), e.Message)
}

func (e *WriteError) Unwrap() error { return ErrWriteFailed }

// VerificationError explains why a reported write could not be confirmed.
type VerificationError struct {
	OfferID  string
	Item     string
	Expected int
	Found    int
	Reason   string
	// Err is the reload failure, if any.
	Err error
}

func (e *VerificationError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", ErrNotPersisted.Error(), e.Reason, e.Err)
	case e.Item != "" && e.Reason != "":
		return fmt.Sprintf("%s: %s: %s", ErrNotPersisted.Error(), e.Item, e.Reason)
	case e.Item != "":
		return fmt.Sprintf("%s: %s has %d delivered, expected at least %d", ErrNotPersisted.Error(), e.Item, e.Found, e.Expected)
	default:
		return fmt.Sprintf("%s: %s", ErrNotPersisted.Error(), e.Reason)
	}
}

func (e *VerificationError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrNotPersisted, e.Err}
	}
	return []error{ErrNotPersisted}
}
