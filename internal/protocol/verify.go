package protocol

import (
	"go.uber.org/zap"

	"github.com/nbd-wtf/go-nostr"

	"github.com/fairwaylabs/teebox/pkg/logging"
)

// Verifier decides whether a single event is acceptable. Verification
// is binary per event; there is no batch-level trust.
type Verifier interface {
	Verify(ev *nostr.Event) bool
}

// SchnorrVerifier validates the event id and schnorr signature against
// the stated author key.
type SchnorrVerifier struct {
	logger *zap.Logger
}

// NewVerifier creates the default signature verifier
func NewVerifier() *SchnorrVerifier {
	return &SchnorrVerifier{logger: logging.WithComponent("verifier")}
}

// Verify checks that the event id derives from the content and that
// the signature validates against it. Both must hold: a valid
// signature under a relabeled id is still a forgery.
func (v *SchnorrVerifier) Verify(ev *nostr.Event) bool {
	if ev == nil {
		return false
	}
	if ev.GetID() != ev.ID {
		v.logger.Debug("Dropping event with mismatched id",
			zap.String("id", ev.ID),
			zap.String("author", ev.PubKey))
		return false
	}
	ok, err := ev.CheckSignature()
	if err != nil || !ok {
		v.logger.Debug("Dropping event with invalid signature",
			zap.String("id", ev.ID),
			zap.String("author", ev.PubKey))
		return false
	}
	return true
}

// FilterValid returns the subset of events that pass verification.
// Invalid events are dropped silently and never surfaced downstream.
func FilterValid(v Verifier, events []*nostr.Event) []*nostr.Event {
	valid := make([]*nostr.Event, 0, len(events))
	for _, ev := range events {
		if v.Verify(ev) {
			valid = append(valid, ev)
		}
	}
	return valid
}
