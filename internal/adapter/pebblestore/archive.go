package pebblestore

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/couchcryptid/threshold-calibration/internal/domain"
)

// ArchiveSource replays stored pbar arrivals for a closed time range in
// generation order. Next returns io.EOF once the range is exhausted.
type ArchiveSource struct {
	store    *Store
	start    time.Time
	end      time.Time
	loaded   bool
	triggers []domain.Trigger
	pos      int
}

// NewArchiveSource enumerates triggers with generation time in [start, end].
func NewArchiveSource(store *Store, start, end time.Time) *ArchiveSource {
	return &ArchiveSource{store: store, start: start, end: end}
}

func (a *ArchiveSource) Next(ctx context.Context) (domain.Trigger, error) {
	if !a.loaded {
		triggers, err := a.store.PbarTriggers(ctx, a.start, a.end)
		if err != nil {
			return domain.Trigger{}, fmt.Errorf("enumerate archive: %w", err)
		}
		a.triggers = triggers
		a.loaded = true
	}
	if err := ctx.Err(); err != nil {
		return domain.Trigger{}, err
	}
	if a.pos >= len(a.triggers) {
		return domain.Trigger{}, io.EOF
	}
	t := a.triggers[a.pos]
	a.pos++
	t.Complete = true
	t.ReceivedAt = t.GenerationTime
	return t, nil
}
