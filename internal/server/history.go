package server

import (
	"context"
	"strings"

	"github.com/workspace/pairing-relay/internal/pairing"
	"github.com/workspace/pairing-relay/internal/persistence"
	"github.com/workspace/pairing-relay/internal/sessions"
)

// historyAdapter records finished sessions in the history store. The
// pairing code is dropped and the address masked on the way in.
type historyAdapter struct {
	store *persistence.Store
}

func (a historyAdapter) RecordOutcome(ctx context.Context, snap sessions.Snapshot) error {
	return a.store.RecordOutcome(ctx, toOutcome(snap))
}

func toOutcome(snap sessions.Snapshot) persistence.Outcome {
	masked := pairing.MaskAddress(snap.TargetAddress)
	o := persistence.Outcome{
		SessionID:         snap.ID,
		MaskedAddress:     masked,
		State:             snap.State.String(),
		Message:           strings.ReplaceAll(snap.Message, snap.TargetAddress, masked),
		RequestedAttempts: snap.RequestedAttempts,
		SentCount:         snap.SentCount,
		CreatedAt:         snap.CreatedAt,
		FinishedAt:        snap.FinishedAt,
	}
	for _, a := range snap.Attempts {
		o.Attempts = append(o.Attempts, persistence.Attempt{
			Attempt: a.Attempt,
			Success: a.Success,
			Message: a.Message,
		})
	}
	return o
}
