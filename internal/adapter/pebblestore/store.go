// Package pebblestore persists pbar and observation datasets in a Pebble
// key/value store with time-ordered keys and zstd-compressed JSON values.
package pebblestore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/klauspost/compress/zstd"

	"github.com/couchcryptid/threshold-calibration/internal/domain"
)

const (
	pbarPrefix = "pbar|"
	obsPrefix  = "obs|"
)

const defaultCacheSizeBytes = int64(32 << 20)

var errStoreClosed = errors.New("pebblestore: store is closed")

// Options controls the Pebble handle. A nil FS uses the OS filesystem.
type Options struct {
	CacheSizeBytes int64
	FS             vfs.FS
}

// Store is the grid store shared by the calibration manager and cmd/seed.
type Store struct {
	db    *pebble.DB
	cache *pebble.Cache

	encoder  *zstd.Encoder
	decoders sync.Pool

	mu     sync.RWMutex
	closed bool
}

// Open opens or creates the store at path.
func Open(path string, opts Options) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("pebblestore: database path is empty")
	}
	if opts.CacheSizeBytes <= 0 {
		opts.CacheSizeBytes = defaultCacheSizeBytes
	}
	if opts.FS == nil {
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, fmt.Errorf("pebblestore: ensure directory: %w", err)
		}
	}

	cache := pebble.NewCache(opts.CacheSizeBytes)
	db, err := pebble.Open(path, &pebble.Options{Cache: cache, FS: opts.FS})
	if err != nil {
		cache.Unref()
		return nil, fmt.Errorf("pebblestore: open: %w", err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		_ = db.Close()
		cache.Unref()
		return nil, fmt.Errorf("pebblestore: zstd encoder: %w", err)
	}

	return &Store{
		db:      db,
		cache:   cache,
		encoder: enc,
		decoders: sync.Pool{
			New: func() any {
				d, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
				if err != nil {
					panic(fmt.Sprintf("failed to create zstd decoder: %v", err))
				}
				return d
			},
		},
	}, nil
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	_ = s.encoder.Close()
	err := s.db.Close()
	s.cache.Unref()
	return err
}

// PutPbar writes every lead of a pbar dataset in one batch.
func (s *Store) PutPbar(ds *domain.PbarDataset) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errStoreClosed
	}

	batch := s.db.NewBatch()
	defer batch.Close()
	for _, lead := range ds.LeadSeconds() {
		val, err := s.encode(toPbarRecord(ds, lead))
		if err != nil {
			return fmt.Errorf("pebblestore: encode pbar lead %d: %w", lead, err)
		}
		if err := batch.Set(pbarKey(ds.GenerationTime, lead), val, nil); err != nil {
			return fmt.Errorf("pebblestore: stage pbar lead %d: %w", lead, err)
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("pebblestore: commit pbar: %w", err)
	}
	return nil
}

// ReadPbar assembles every stored lead of a generation.
func (s *Store) ReadPbar(ctx context.Context, gen time.Time) (*domain.PbarDataset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errStoreClosed
	}

	iter, err := s.db.NewIter(iterOptionsForPrefix(pbarGenPrefix(gen)))
	if err != nil {
		return nil, fmt.Errorf("pebblestore: pbar iterator: %w", err)
	}
	defer iter.Close()

	var ds *domain.PbarDataset
	for iter.First(); iter.Valid(); iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var rec pbarRecord
		if err := s.decode(iter.Value(), &rec); err != nil {
			return nil, fmt.Errorf("pebblestore: decode pbar: %w", err)
		}
		if ds == nil {
			ds = &domain.PbarDataset{
				GenerationTime: gen.UTC(),
				Thresholds:     rec.Thresholds,
				NumTiles:       len(rec.Primary),
				Leads:          make(map[int]*domain.LeadPbar),
			}
		} else if err := rec.consistentWith(ds); err != nil {
			return nil, fmt.Errorf("pebblestore: generation %s lead %d: %w", gen.Format(time.RFC3339), rec.LeadSeconds, err)
		}
		ds.Leads[rec.LeadSeconds] = rec.toLeadPbar()
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("pebblestore: iterate pbar: %w", err)
	}
	if ds == nil {
		return nil, fmt.Errorf("pbar for %s: %w", gen.Format(time.RFC3339), domain.ErrNotFound)
	}
	return ds, nil
}

// PbarTriggers enumerates stored (generation, lead) pairs with generation in
// [t0, t1], ordered by generation then lead.
func (s *Store) PbarTriggers(ctx context.Context, t0, t1 time.Time) ([]domain.Trigger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errStoreClosed
	}

	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: pbarGenPrefix(t0),
		UpperBound: pbarGenPrefix(t1.Add(time.Second)),
	})
	if err != nil {
		return nil, fmt.Errorf("pebblestore: trigger iterator: %w", err)
	}
	defer iter.Close()

	var out []domain.Trigger
	for iter.First(); iter.Valid(); iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		gen, lead, ok := parsePbarKey(iter.Key())
		if !ok {
			continue
		}
		out = append(out, domain.Trigger{
			GenerationTime: gen,
			LeadSeconds:    lead,
			Sources:        []string{"grid-store"},
		})
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("pebblestore: iterate triggers: %w", err)
	}
	return out, nil
}

// PutObservation writes one field's observation dataset.
func (s *Store) PutObservation(ds *domain.ObservationDataset) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errStoreClosed
	}
	val, err := s.encode(toObsRecord(ds))
	if err != nil {
		return fmt.Errorf("pebblestore: encode observation: %w", err)
	}
	if err := s.db.Set(obsKey(ds.Field, ds.ValidTime), val, pebble.Sync); err != nil {
		return fmt.Errorf("pebblestore: write observation: %w", err)
	}
	return nil
}

// ReadObservation returns a field's observation dataset at a valid time.
func (s *Store) ReadObservation(_ context.Context, field string, valid time.Time) (*domain.ObservationDataset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errStoreClosed
	}

	val, closer, err := s.db.Get(obsKey(field, valid))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, fmt.Errorf("observation %s at %s: %w", field, valid.Format(time.RFC3339), domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("pebblestore: read observation: %w", err)
	}
	defer closer.Close()

	var rec obsRecord
	if err := s.decode(val, &rec); err != nil {
		return nil, fmt.Errorf("pebblestore: decode observation: %w", err)
	}
	return rec.toDataset()
}

// ObservationTimes lists valid times in [t0, t1] with stored observations.
func (s *Store) ObservationTimes(ctx context.Context, field string, t0, t1 time.Time) ([]time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errStoreClosed
	}

	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: obsKey(field, t0),
		UpperBound: obsKey(field, t1.Add(time.Second)),
	})
	if err != nil {
		return nil, fmt.Errorf("pebblestore: observation iterator: %w", err)
	}
	defer iter.Close()

	var out []time.Time
	for iter.First(); iter.Valid(); iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		key := iter.Key()
		out = append(out, time.Unix(int64(binary.BigEndian.Uint64(key[len(key)-8:])), 0).UTC())
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("pebblestore: iterate observations: %w", err)
	}
	return out, nil
}

// Feed narrows the store to one field's observation times.
func (s *Store) Feed(field string) *FieldFeed {
	return &FieldFeed{store: s, field: field}
}

// FieldFeed lists observation valid times for one field.
type FieldFeed struct {
	store *Store
	field string
}

func (f *FieldFeed) ObservationTimes(ctx context.Context, t0, t1 time.Time) ([]time.Time, error) {
	return f.store.ObservationTimes(ctx, f.field, t0, t1)
}

func pbarGenPrefix(gen time.Time) []byte {
	key := make([]byte, 0, len(pbarPrefix)+9)
	key = append(key, pbarPrefix...)
	key = binary.BigEndian.AppendUint64(key, uint64(gen.Unix()))
	return append(key, '|')
}

func pbarKey(gen time.Time, lead int) []byte {
	return binary.BigEndian.AppendUint64(pbarGenPrefix(gen), uint64(lead))
}

func parsePbarKey(key []byte) (time.Time, int, bool) {
	if len(key) != len(pbarPrefix)+17 || string(key[:len(pbarPrefix)]) != pbarPrefix {
		return time.Time{}, 0, false
	}
	rest := key[len(pbarPrefix):]
	gen := time.Unix(int64(binary.BigEndian.Uint64(rest[:8])), 0).UTC()
	lead := int(binary.BigEndian.Uint64(rest[9:]))
	return gen, lead, true
}

func obsKey(field string, valid time.Time) []byte {
	key := make([]byte, 0, len(obsPrefix)+len(field)+9)
	key = append(key, obsPrefix...)
	key = append(key, field...)
	key = append(key, '|')
	return binary.BigEndian.AppendUint64(key, uint64(valid.Unix()))
}

func iterOptionsForPrefix(prefix []byte) *pebble.IterOptions {
	return &pebble.IterOptions{LowerBound: prefix, UpperBound: prefixUpperBound(prefix)}
}

func prefixUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix))
	copy(upper, prefix)
	for i := len(upper) - 1; i >= 0; i-- {
		if upper[i] != 0xFF {
			upper[i]++
			return upper[:i+1]
		}
	}
	return nil
}
