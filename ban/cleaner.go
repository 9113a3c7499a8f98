// Copyright (c) 2024 Bryan Frimin <bryan@frimin.fr>.
//
// Permission to use, copy, modify, and/or distribute this software
// for any purpose with or without fee is hereby granted, provided
// that the above copyright notice and this permission notice appear
// in all copies.
//
// THE SOFTWARE IS PROVIDED "AS IS" AND THE AUTHOR DISCLAIMS ALL
// WARRANTIES WITH REGARD TO THIS SOFTWARE INCLUDING ALL IMPLIED
// WARRANTIES OF MERCHANTABILITY AND FITNESS. IN NO EVENT SHALL THE
// AUTHOR BE LIABLE FOR ANY SPECIAL, DIRECT, INDIRECT, OR
// CONSEQUENTIAL DAMAGES OR ANY DAMAGES WHATSOEVER RESULTING FROM LOSS
// OF USE, DATA OR PROFITS, WHETHER IN AN ACTION OF CONTRACT,
// NEGLIGENCE OR OTHER TORTIOUS ACTION, ARISING OUT OF OR IN
// CONNECTION WITH THE USE OR PERFORMANCE OF THIS SOFTWARE.

package ban

import (
	"context"
	"time"

	"go.gearno.de/kit/log"
)

// Sweep drops bans whose expiry has passed from the in-memory set and
// republishes the index. Expired bans already fail containment checks
// at query time; sweeping only keeps lookups from walking dead
// entries. It returns the number of bans pruned.
func (r *Registry) Sweep(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	pruned := 0
	for id, b := range r.bans {
		if !b.ExpiresAt.IsZero() && !now.Before(b.ExpiresAt) {
			delete(r.bans, id)
			pruned++
		}
	}

	if pruned > 0 {
		r.rebuildLocked()
	}

	return pruned
}

// StartSweeper starts a background goroutine that periodically prunes
// expired bans from the index. The goroutine stops when the provided
// context is cancelled.
//
// This method is safe to call multiple times; only the first call
// will start the sweeper goroutine.
func (r *Registry) StartSweeper(ctx context.Context) {
	r.sweepOnce.Do(func() {
		go r.runSweepLoop(ctx)
	})
}

func (r *Registry) runSweepLoop(ctx context.Context) {
	r.logger.InfoCtx(ctx, "starting ban sweep loop",
		log.Duration("interval", r.sweepInterval),
	)

	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.InfoCtx(ctx, "stopping ban sweep loop")
			return
		case <-ticker.C:
			if pruned := r.Sweep(time.Now()); pruned > 0 {
				r.logger.InfoCtx(ctx, "expired bans pruned",
					log.Int("bans", pruned),
				)
			}
		}
	}
}
