package ledger

import (
	"context"
	"log/slog"
)

// GuardRepository is the slice of the repository the guard needs.
type GuardRepository interface {
	ExistsPosting(ctx context.Context, ref Ref, discriminatorCode string) (bool, error)
}

// Guard prevents duplicate postings per reference. A reference-only key would
// falsely match when one business object legitimately produces several
// journals over its lifecycle (enrollment creation vs. revenue recognition),
// so the key is the reference tuple plus the discriminating account code.
//
// The guard is the fast path and the no-op detector; the storage-layer unique
// index on (ref_kind, ref_id, discriminator) closes the residual
// check-then-act window under truly concurrent redelivery.
type Guard struct {
	repo   GuardRepository
	logger *slog.Logger
}

// NewGuard constructs the idempotency guard.
func NewGuard(repo GuardRepository, logger *slog.Logger) *Guard {
	return &Guard{repo: repo, logger: logger}
}

// AlreadyPosted reports whether a journal exists for (ref, discriminator).
// A true result is not an error: the caller logs a no-op and skips posting.
func (g *Guard) AlreadyPosted(ctx context.Context, ref Ref, discriminatorCode string) (bool, error) {
	exists, err := g.repo.ExistsPosting(ctx, ref, discriminatorCode)
	if err != nil {
		return false, err
	}
	if exists && g.logger != nil {
		g.logger.Info("posting skipped, journal already exists",
			slog.String("ref", ref.String()),
			slog.String("discriminator", discriminatorCode))
	}
	return exists, nil
}
