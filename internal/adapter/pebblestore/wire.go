package pebblestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/couchcryptid/threshold-calibration/internal/domain"
	"github.com/couchcryptid/threshold-calibration/internal/gridmath"
)

// missingPbar encodes an absent pbar in stored JSON.
const missingPbar = -1.0

// defaultMissingValue marks missing obar cells when a record omits one.
const defaultMissingValue = -9999.0

type pbarRecord struct {
	GenerationTime time.Time     `json:"generation_time"`
	LeadSeconds    int           `json:"lead_seconds"`
	Thresholds     [2][]float64  `json:"thresholds"`
	Primary        [][]float64   `json:"primary"`
	Secondary      [][][]float64 `json:"secondary,omitempty"`
}

type obsRecord struct {
	Field        string      `json:"field"`
	ValidTime    time.Time   `json:"valid_time"`
	Thresholds   []float64   `json:"thresholds"`
	NX           int         `json:"nx"`
	NY           int         `json:"ny"`
	MissingValue float64     `json:"missing_value"`
	Obar         [][]float64 `json:"obar"`
}

func toPbarRecord(ds *domain.PbarDataset, lead int) pbarRecord {
	lp := ds.Leads[lead]
	rec := pbarRecord{
		GenerationTime: ds.GenerationTime.UTC(),
		LeadSeconds:    lead,
		Thresholds:     ds.Thresholds,
		Primary:        make([][]float64, len(lp.Primary)),
	}
	for tile, series := range lp.Primary {
		rec.Primary[tile] = fromOptional(series)
	}
	if len(lp.Secondary) > 0 {
		rec.Secondary = make([][][]float64, len(lp.Secondary))
		for tile, rows := range lp.Secondary {
			rec.Secondary[tile] = make([][]float64, len(rows))
			for i, series := range rows {
				rec.Secondary[tile][i] = fromOptional(series)
			}
		}
	}
	return rec
}

func (r pbarRecord) toLeadPbar() *domain.LeadPbar {
	lp := &domain.LeadPbar{Primary: make([][]domain.Optional[float64], len(r.Primary))}
	for tile, series := range r.Primary {
		lp.Primary[tile] = toOptional(series)
	}
	if len(r.Secondary) > 0 {
		lp.Secondary = make([][][]domain.Optional[float64], len(r.Secondary))
		for tile, rows := range r.Secondary {
			lp.Secondary[tile] = make([][]domain.Optional[float64], len(rows))
			for i, series := range rows {
				lp.Secondary[tile][i] = toOptional(series)
			}
		}
	}
	return lp
}

func (r pbarRecord) consistentWith(ds *domain.PbarDataset) error {
	if len(r.Primary) != ds.NumTiles {
		return fmt.Errorf("%d tiles, generation has %d", len(r.Primary), ds.NumTiles)
	}
	for f := range r.Thresholds {
		if !slices.Equal(r.Thresholds[f], ds.Thresholds[f]) {
			return errors.New("candidate thresholds differ between leads")
		}
	}
	return nil
}

func toObsRecord(ds *domain.ObservationDataset) obsRecord {
	rec := obsRecord{
		Field:        ds.Field,
		ValidTime:    ds.ValidTime.UTC(),
		Thresholds:   ds.Thresholds,
		MissingValue: defaultMissingValue,
		Obar:         make([][]float64, len(ds.Obar)),
	}
	for i, g := range ds.Obar {
		rec.NX, rec.NY = g.NX, g.NY
		cells := make([]float64, len(g.Data))
		for j, v := range g.Data {
			if math.IsNaN(v) {
				v = defaultMissingValue
			}
			cells[j] = v
		}
		rec.Obar[i] = cells
	}
	return rec
}

func (r obsRecord) toDataset() (*domain.ObservationDataset, error) {
	if len(r.Obar) != len(r.Thresholds) {
		return nil, fmt.Errorf("%d obar grids for %d thresholds", len(r.Obar), len(r.Thresholds))
	}
	ds := &domain.ObservationDataset{
		Field:      r.Field,
		ValidTime:  r.ValidTime.UTC(),
		Thresholds: r.Thresholds,
		Obar:       make([]gridmath.Grid, len(r.Obar)),
	}
	for i, cells := range r.Obar {
		g := gridmath.Grid{NX: r.NX, NY: r.NY, Data: make([]float64, len(cells))}
		for j, v := range cells {
			if v == r.MissingValue {
				v = math.NaN()
			}
			g.Data[j] = v
		}
		if err := g.Validate(); err != nil {
			return nil, fmt.Errorf("obar grid %d: %w", i, err)
		}
		ds.Obar[i] = g
	}
	return ds, nil
}

func fromOptional(series []domain.Optional[float64]) []float64 {
	out := make([]float64, len(series))
	for i, p := range series {
		out[i] = p.OrElse(missingPbar)
	}
	return out
}

func toOptional(series []float64) []domain.Optional[float64] {
	out := make([]domain.Optional[float64], len(series))
	for i, v := range series {
		if v >= 0 {
			out[i] = domain.Some(v)
		}
	}
	return out
}

func (s *Store) encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return s.encoder.EncodeAll(data, nil), nil
}

func (s *Store) decode(val []byte, v any) error {
	decoder := s.decoders.Get().(*zstd.Decoder)
	defer s.decoders.Put(decoder)

	data, err := decoder.DecodeAll(val, nil)
	if err != nil {
		return fmt.Errorf("zstd decompression failed: %w", err)
	}
	return json.Unmarshal(data, v)
}
