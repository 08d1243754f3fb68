// Command seed writes synthetic pbar and observation datasets into the grid
// store so the calibrator can run locally without upstream producers. Output
// is deterministic for a given -seed.
//
// Usage:
//
//	go run ./cmd/seed \
//	  -params calibration.yaml \
//	  -store data/grids \
//	  -gens 8 -start 2026-03-01T00:00:00Z -interval 6h \
//	  -publish -brokers localhost:9092 -topic pbar-triggers
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	sharedcfg "github.com/couchcryptid/storm-data-shared/config"
	"gonum.org/v1/gonum/stat/distuv"

	kafkaadapter "github.com/couchcryptid/threshold-calibration/internal/adapter/kafka"
	"github.com/couchcryptid/threshold-calibration/internal/adapter/pebblestore"
	"github.com/couchcryptid/threshold-calibration/internal/calibration"
	"github.com/couchcryptid/threshold-calibration/internal/config"
	"github.com/couchcryptid/threshold-calibration/internal/domain"
	"github.com/couchcryptid/threshold-calibration/internal/gridmath"
	"github.com/couchcryptid/threshold-calibration/internal/tiling"
)

const (
	members         = 20
	missingPbarRate = 0.02
	missingCellRate = 0.05
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	paramsPath := flag.String("params", "calibration.yaml", "calibration parameter file")
	storePath := flag.String("store", "data/grids", "grid store directory")
	gens := flag.Int("gens", 4, "number of generation times to write")
	start := flag.String("start", "", "first generation time, RFC3339 (default: -gens intervals before now)")
	interval := flag.Duration("interval", 6*time.Hour, "spacing between generation times")
	seed := flag.Uint64("seed", 1, "random seed")
	numCandidates := flag.Int("candidates", 16, "candidate thresholds per field")
	publish := flag.Bool("publish", false, "publish one trigger per (generation, lead) to Kafka")
	brokers := flag.String("brokers", "localhost:9092", "Kafka brokers for -publish")
	topic := flag.String("topic", "pbar-triggers", "trigger topic for -publish")
	flag.Parse()

	if *gens <= 0 || *interval <= 0 || *numCandidates < 2 {
		flag.Usage()
		return fmt.Errorf("-gens and -interval must be positive and -candidates at least 2")
	}

	params, err := config.LoadParams(*paramsPath)
	if err != nil {
		return err
	}
	tiles, err := tiling.New(params.TilingSpec())
	if err != nil {
		return err
	}

	first := domain.NormalizeTime(time.Now()).Truncate(*interval).Add(-time.Duration(*gens) * *interval)
	if *start != "" {
		first, err = time.Parse(time.RFC3339, *start)
		if err != nil {
			return fmt.Errorf("parse -start: %w", err)
		}
		first = domain.NormalizeTime(first)
	}

	store, err := pebblestore.Open(*storePath, pebblestore.Options{})
	if err != nil {
		return err
	}
	defer store.Close()

	g := newGenerator(params.FieldConfigs(), tiles, *numCandidates, *seed)
	var triggers []domain.Trigger
	for i := range *gens {
		gen := first.Add(time.Duration(i) * *interval)
		if err := store.PutPbar(g.pbar(gen, params.LeadSeconds)); err != nil {
			return fmt.Errorf("generation %s: %w", gen.Format(time.RFC3339), err)
		}
		for _, lead := range params.LeadSeconds {
			valid := gen.Add(time.Duration(lead) * time.Second)
			for fi := range g.fields {
				if err := store.PutObservation(g.observation(fi, valid)); err != nil {
					return fmt.Errorf("observation %s: %w", valid.Format(time.RFC3339), err)
				}
			}
			triggers = append(triggers, domain.Trigger{
				GenerationTime: gen,
				LeadSeconds:    lead,
				Sources:        []string{"seed"},
				Complete:       true,
			})
		}
		log.Printf("%s: %d leads, %d tiles", gen.Format(time.RFC3339), len(params.LeadSeconds), tiles.NumTiles())
	}
	log.Printf("wrote %d generations to %s", *gens, *storePath)

	if !*publish {
		return nil
	}
	w := kafkaadapter.NewWriter(sharedcfg.ParseBrokers(*brokers), *topic, slog.Default())
	defer w.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := w.PublishTriggers(ctx, triggers); err != nil {
		return fmt.Errorf("publish triggers: %w", err)
	}
	log.Printf("published %d triggers to %s", len(triggers), *topic)
	return nil
}

// generator draws smooth, field-shaped synthetic data. pbar follows a normal
// exceedance curve per tile; obar follows the same curve per cell with the
// centre shifted so the calibration has a bias to correct.
type generator struct {
	fields     []calibration.FieldConfig
	tiles      *tiling.Tiling
	candidates [2][]float64
	seed       uint64
}

func newGenerator(fields []calibration.FieldConfig, tiles *tiling.Tiling, n int, seed uint64) *generator {
	g := &generator{fields: fields, tiles: tiles, seed: seed}
	for i, f := range fields {
		g.candidates[i] = candidatesFor(f.ObarThresholds, n)
	}
	return g
}

// candidatesFor spreads n candidates evenly over the obar thresholds widened
// by half their span on each side.
func candidatesFor(obar []float64, n int) []float64 {
	lo, hi := obar[0], obar[len(obar)-1]
	span := max(hi-lo, 1)
	lo -= span / 2
	hi += span / 2
	out := make([]float64, n)
	for i := range out {
		out[i] = lo + (hi-lo)*float64(i)/float64(n-1)
	}
	return out
}

func (g *generator) rng(t time.Time, stream uint64) *rand.Rand {
	return rand.New(rand.NewPCG(g.seed^uint64(t.Unix()), stream))
}

// exceedance is the fraction of a normal population beyond threshold in the
// comparison direction.
func exceedance(cmp domain.Comparison, dist distuv.Normal, threshold float64) float64 {
	if cmp == domain.ComparisonLE {
		return dist.CDF(threshold)
	}
	return 1 - dist.CDF(threshold)
}

func (g *generator) spread(fi int) (centre, sigma float64) {
	c := g.candidates[fi]
	lo, hi := c[0], c[len(c)-1]
	return (lo + hi) / 2, (hi - lo) / 4
}

func (g *generator) pbar(gen time.Time, leads []int) *domain.PbarDataset {
	n := g.tiles.NumTiles()
	ds := &domain.PbarDataset{
		GenerationTime: gen,
		Thresholds:     g.candidates,
		NumTiles:       n,
		Leads:          make(map[int]*domain.LeadPbar, len(leads)),
	}
	for _, lead := range leads {
		rng := g.rng(gen, uint64(lead))
		lp := &domain.LeadPbar{Primary: make([][]domain.Optional[float64], n)}
		if len(g.fields) > 1 {
			lp.Secondary = make([][][]domain.Optional[float64], n)
		}
		for tile := range n {
			lp.Primary[tile] = g.series(0, rng, 1)
			if lp.Secondary == nil {
				continue
			}
			rows := make([][]domain.Optional[float64], len(g.candidates[0]))
			for i := range rows {
				// Stricter primary thresholds leave fewer members to exceed
				// the secondary field.
				rows[i] = g.series(1, rng, 1-0.5*float64(i)/float64(len(rows)-1))
			}
			lp.Secondary[tile] = rows
		}
		ds.Leads[lead] = lp
	}
	return ds
}

// series draws one tile's pbar over a field's candidates, quantized to the
// ensemble size.
func (g *generator) series(fi int, rng *rand.Rand, scale float64) []domain.Optional[float64] {
	centre, sigma := g.spread(fi)
	dist := distuv.Normal{Mu: centre, Sigma: sigma, Src: rng}
	mu := dist.Rand()
	curve := distuv.Normal{Mu: mu, Sigma: sigma}

	out := make([]domain.Optional[float64], len(g.candidates[fi]))
	for i, c := range g.candidates[fi] {
		if rng.Float64() < missingPbarRate {
			continue
		}
		p := scale * exceedance(g.fields[fi].Comparison, curve, c)
		out[i] = domain.Some(math.Round(p*members) / members)
	}
	return out
}

func (g *generator) observation(fi int, valid time.Time) *domain.ObservationDataset {
	f := g.fields[fi]
	nx, ny := g.tiles.GridSize()
	rng := g.rng(valid, uint64(1000+fi))
	centre, sigma := g.spread(fi)
	// Observed events sit a little above the ensemble's centre.
	cells := distuv.Normal{Mu: centre + sigma/4, Sigma: sigma / 2, Src: rng}

	mu := make([]float64, nx*ny)
	for i := range mu {
		mu[i] = cells.Rand()
	}

	ds := &domain.ObservationDataset{
		Field:      f.Name,
		ValidTime:  valid,
		Thresholds: f.ObarThresholds,
		Obar:       make([]gridmath.Grid, len(f.ObarThresholds)),
	}
	for k, thr := range f.ObarThresholds {
		grid := gridmath.NewGrid(nx, ny)
		for i := range grid.Data {
			if rng.Float64() < missingCellRate {
				continue
			}
			grid.Data[i] = exceedance(f.Comparison, distuv.Normal{Mu: mu[i], Sigma: sigma / 2}, thr)
		}
		ds.Obar[k] = grid
	}
	return ds
}
