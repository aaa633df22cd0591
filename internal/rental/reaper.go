// Package rental runs the background sweep that closes rentals whose time
// ran out while no console was watching them.
package rental

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/rentdesk/internal/domain"
	"github.com/ashureev/rentdesk/internal/shared"
	"github.com/ashureev/rentdesk/internal/store"
	"github.com/containerd/errdefs"
)

// ExpireCallback is called for every rental the reaper expires.
type ExpireCallback func(userID, rentalID string)

// Reaper periodically expires overdue rentals and prunes old ones.
type Reaper struct {
	repo      store.Repository
	interval  time.Duration
	retention time.Duration
	onExpire  ExpireCallback
	now       func() time.Time
}

// NewReaper creates a Reaper. A zero retention keeps finished rentals forever.
func NewReaper(repo store.Repository, interval, retention time.Duration, onExpire ExpireCallback) *Reaper {
	return &Reaper{
		repo:      repo,
		interval:  interval,
		retention: retention,
		onExpire:  onExpire,
		now:       time.Now,
	}
}

// Start runs the sweep every interval until ctx is done.
func (r *Reaper) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Rental reaper started", "interval", r.interval, "retention", r.retention)

		r.Sweep(ctx)
		for {
			select {
			case <-ticker.C:
				r.Sweep(ctx)
			case <-ctx.Done():
				slog.Info("Rental reaper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// Sweep runs one pass and returns the number of rentals it expired.
func (r *Reaper) Sweep(ctx context.Context) int {
	now := r.now()
	overdue, err := r.repo.GetExpiredRentals(ctx, now)
	if err != nil {
		slog.Error("Rental reaper failed to list overdue rentals", "error", err)
		return 0
	}

	expired := 0
	for _, rental := range overdue {
		err := r.repo.UpdateRentalStatus(ctx, rental.ID, domain.RentalExpired, rental.EndsAt)
		switch {
		case errdefs.IsNotFound(err):
			// Expired or superseded since the listing.
			continue
		case err != nil:
			slog.Warn("Rental reaper failed to expire rental",
				"error", err,
				"rental_id", rental.ID,
				"user_id", rental.UserID)
			continue
		}

		expired++
		slog.Info("Rental reaper expired rental",
			"rental_id", rental.ID,
			"user_id", rental.UserID,
			"ended_at", rental.EndsAt)
		if r.onExpire != nil {
			r.onExpire(rental.UserID, rental.ID)
		}
	}

	if r.retention > 0 {
		var deleted int64
		err := shared.RetryOnConflict(ctx, "cleanup rentals", 3, 100*time.Millisecond, func() error {
			var err error
			deleted, err = r.repo.CleanupRentals(ctx, r.retention)
			return err
		})
		if err != nil {
			slog.Error("Rental reaper failed to prune rentals", "error", err)
		} else if deleted > 0 {
			slog.Info("Rental reaper pruned rentals", "count", deleted)
		}
	}

	return expired
}
