// Package sqlite is the threshold database: one row per (generation, lead,
// field, obar index, tile), plus the layout each generation was computed with.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/couchcryptid/threshold-calibration/internal/domain"
)

// DB wraps the SQLite handle.
type DB struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens the database at path and applies pending migrations.
func Open(path string, logger *slog.Logger) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open threshold db: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := sqlDB.Exec(pragma); err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}

	d := &DB{db: sqlDB, logger: logger}
	if err := d.MigrateUp(); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return d, nil
}

// Close closes the handle.
func (d *DB) Close() error {
	return d.db.Close()
}

// Load reads a generation's table. It returns ErrNotFound when nothing was
// stored and ErrInconsistentData when the stored layout differs from expect.
func (d *DB) Load(ctx context.Context, gen time.Time, expect Layout) (*Table, error) {
	return d.load(ctx, gen.UTC().Unix(), expect)
}

// LoadBestOlder reads the most recent generation strictly older than gen and
// no older than maxLookback.
func (d *DB) LoadBestOlder(ctx context.Context, gen time.Time, maxLookback time.Duration, expect Layout) (*Table, error) {
	var older int64
	err := d.db.QueryRowContext(ctx, `
		SELECT generation_time FROM generations
		WHERE generation_time < ? AND generation_time >= ?
		ORDER BY generation_time DESC LIMIT 1`,
		gen.Unix(), gen.Add(-maxLookback).Unix(),
	).Scan(&older)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("generation older than %s: %w", gen.Format(time.RFC3339), domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find older generation: %w", err)
	}
	return d.load(ctx, older, expect)
}

func (d *DB) load(ctx context.Context, unix int64, expect Layout) (*Table, error) {
	gen := time.Unix(unix, 0).UTC()

	var (
		thresholdsJSON string
		stored         Layout
	)
	err := d.db.QueryRowContext(ctx,
		`SELECT obar_thresholds, num_tiles FROM generations WHERE generation_time = ?`, unix,
	).Scan(&thresholdsJSON, &stored.NumTiles)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("generation %s: %w", gen.Format(time.RFC3339), domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load generation: %w", err)
	}
	if err := json.Unmarshal([]byte(thresholdsJSON), &stored.ObarThresholds); err != nil {
		return nil, fmt.Errorf("decode obar thresholds: %w", err)
	}
	if err := expect.Check(stored); err != nil {
		return nil, fmt.Errorf("generation %s: %w", gen.Format(time.RFC3339), err)
	}

	rows, err := d.db.QueryContext(ctx, `
		SELECT lead_seconds, field, obar_index, tile_index, threshold, bias,
		       is_mother, is_coldstart, pbar_index, source
		FROM thresholds WHERE generation_time = ?`, unix)
	if err != nil {
		return nil, fmt.Errorf("query thresholds: %w", err)
	}
	defer rows.Close()

	t := NewTable(gen, stored)
	for rows.Next() {
		var (
			k         Key
			r         domain.TileThresholdResult
			bias      sql.NullFloat64
			pbarIndex sql.NullInt64
			source    string
		)
		if err := rows.Scan(&k.LeadSeconds, &k.Field, &k.ObarIndex, &k.TileIndex, &r.Threshold, &bias,
			&r.IsMotherTile, &r.IsColdstart, &pbarIndex, &source); err != nil {
			return nil, fmt.Errorf("scan threshold: %w", err)
		}
		if k.TileIndex < 0 || k.TileIndex >= stored.NumTiles {
			return nil, fmt.Errorf("%w: tile %d outside [0,%d)", domain.ErrInconsistentData, k.TileIndex, stored.NumTiles)
		}
		r.TileIndex = k.TileIndex
		r.GenerationTime = gen
		r.LeadSeconds = k.LeadSeconds
		r.Source = domain.ResultSource(source)
		if bias.Valid {
			r.Bias = domain.Some(bias.Float64)
		}
		if pbarIndex.Valid {
			r.PbarIndex = domain.Some(int(pbarIndex.Int64))
		}
		t.put(k, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate thresholds: %w", err)
	}
	return t, nil
}

// Save upserts the whole table in one transaction and clears Modified.
func (d *DB) Save(ctx context.Context, t *Table) error {
	thresholdsJSON, err := json.Marshal(t.Layout.ObarThresholds)
	if err != nil {
		return fmt.Errorf("encode obar thresholds: %w", err)
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	gen := t.GenerationTime.Unix()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO generations (generation_time, obar_thresholds, num_tiles, written_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(generation_time) DO UPDATE SET
			obar_thresholds = excluded.obar_thresholds,
			num_tiles = excluded.num_tiles,
			written_at = excluded.written_at`,
		gen, string(thresholdsJSON), t.Layout.NumTiles, domain.Now().Unix(),
	); err != nil {
		return fmt.Errorf("upsert generation: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO thresholds (generation_time, lead_seconds, field, obar_index, tile_index,
			threshold, bias, is_mother, is_coldstart, pbar_index, source)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(generation_time, lead_seconds, field, obar_index, tile_index) DO UPDATE SET
			threshold = excluded.threshold,
			bias = excluded.bias,
			is_mother = excluded.is_mother,
			is_coldstart = excluded.is_coldstart,
			pbar_index = excluded.pbar_index,
			source = excluded.source`)
	if err != nil {
		return fmt.Errorf("prepare threshold upsert: %w", err)
	}
	defer stmt.Close()

	for _, k := range t.Keys() {
		r := t.rows[k]
		var bias sql.NullFloat64
		if v, ok := r.Bias.Get(); ok {
			bias = sql.NullFloat64{Float64: v, Valid: true}
		}
		var pbarIndex sql.NullInt64
		if v, ok := r.PbarIndex.Get(); ok {
			pbarIndex = sql.NullInt64{Int64: int64(v), Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, gen, k.LeadSeconds, k.Field, k.ObarIndex, k.TileIndex,
			r.Threshold, bias, r.IsMotherTile, r.IsColdstart, pbarIndex, string(r.Source)); err != nil {
			return fmt.Errorf("upsert threshold %+v: %w", k, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save: %w", err)
	}
	t.modified = false
	return nil
}

// Generations lists stored generation times in [t0, t1], ascending.
func (d *DB) Generations(ctx context.Context, t0, t1 time.Time) ([]time.Time, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT generation_time FROM generations
		WHERE generation_time >= ? AND generation_time <= ?
		ORDER BY generation_time`, t0.Unix(), t1.Unix())
	if err != nil {
		return nil, fmt.Errorf("query generations: %w", err)
	}
	defer rows.Close()

	var out []time.Time
	for rows.Next() {
		var unix int64
		if err := rows.Scan(&unix); err != nil {
			return nil, fmt.Errorf("scan generation: %w", err)
		}
		out = append(out, time.Unix(unix, 0).UTC())
	}
	return out, rows.Err()
}
