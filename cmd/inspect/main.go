// Command inspect reads one generation time back from the threshold database,
// reports how each field's thresholds were obtained, and checks that every
// configured (lead, field, obar index, tile) has a stored threshold.
//
// Usage:
//
//	go run ./cmd/inspect \
//	  -params calibration.yaml \
//	  -db data/thresholds.db \
//	  -gen 2026-03-01T00:00:00Z
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/couchcryptid/threshold-calibration/internal/adapter/sqlite"
	"github.com/couchcryptid/threshold-calibration/internal/config"
	"github.com/couchcryptid/threshold-calibration/internal/domain"
	"github.com/couchcryptid/threshold-calibration/internal/tiling"
)

var sources = []domain.ResultSource{
	domain.SourceComputed,
	domain.SourceBelow,
	domain.SourceMother,
	domain.SourceColdstart,
}

// phase tracks pass/fail for a check.
type phase struct {
	name   string
	errors []string
}

func (p *phase) errorf(format string, args ...any) {
	p.errors = append(p.errors, fmt.Sprintf(format, args...))
}

func (p *phase) passed() bool { return len(p.errors) == 0 }

func main() {
	paramsPath := flag.String("params", "calibration.yaml", "calibration parameter file")
	dbPath := flag.String("db", "data/thresholds.db", "threshold database")
	genFlag := flag.String("gen", "", "generation time, RFC3339")
	storedLeads := flag.Bool("stored-leads", false, "only check leads with at least one stored threshold")
	flag.Parse()

	if *genFlag == "" {
		flag.Usage()
		os.Exit(1)
	}
	os.Exit(run(*paramsPath, *dbPath, *genFlag, *storedLeads))
}

func run(paramsPath, dbPath, genFlag string, storedLeads bool) int {
	gen, err := time.Parse(time.RFC3339, genFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: parse -gen: %v\n", err)
		return 1
	}
	params, err := config.LoadParams(paramsPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		return 1
	}
	tiles, err := tiling.New(params.TilingSpec())
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		return 1
	}

	db, err := sqlite.Open(dbPath, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: open database: %v\n", err)
		return 1
	}
	defer db.Close()

	layout := sqlite.Layout{ObarThresholds: make(map[string][]float64), NumTiles: tiles.NumTiles()}
	for _, f := range params.Fields {
		layout.ObarThresholds[f.Name] = f.ObarThresholds
	}
	table, err := db.Load(context.Background(), domain.NormalizeTime(gen), layout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: load %s: %v\n", gen.Format(time.RFC3339), err)
		return 1
	}

	fmt.Printf("=== Thresholds for %s ===\n\n", table.GenerationTime.Format(time.RFC3339))
	printSources(table, params)

	leads := params.LeadSeconds
	if storedLeads {
		leads = table.Leads()
	}
	coverage := checkCoverage(table, params, leads, tiles.NumTiles())
	bias := checkBias(table)

	fmt.Println()
	allPassed := true
	for _, p := range []*phase{coverage, bias} {
		status := "\033[32mPASS\033[0m"
		if !p.passed() {
			status = fmt.Sprintf("\033[31mFAIL (%d errors)\033[0m", len(p.errors))
			allPassed = false
		}
		fmt.Printf("  %-42s %s\n", p.name, status)
	}
	for _, p := range []*phase{coverage, bias} {
		if p.passed() {
			continue
		}
		fmt.Printf("\n--- %s ---\n", p.name)
		for i, e := range p.errors {
			fmt.Printf("  [%d] %s\n", i+1, e)
		}
	}

	if allPassed {
		fmt.Println("\nAll checks passed.")
		return 0
	}
	fmt.Println("\nInspection FAILED.")
	return 1
}

// printSources prints, per field and obar index, how many tiles came from
// each result source across all leads.
func printSources(table *sqlite.Table, params *config.Params) {
	type bucket struct {
		field     string
		obarIndex int
	}
	counts := make(map[bucket]map[domain.ResultSource]int)
	for _, k := range table.Keys() {
		r, _ := table.Lookup(k.LeadSeconds, k.Field, k.ObarIndex, k.TileIndex)
		b := bucket{k.Field, k.ObarIndex}
		if counts[b] == nil {
			counts[b] = make(map[domain.ResultSource]int)
		}
		counts[b][r.Source]++
	}

	fmt.Printf("  %-12s %-10s", "field", "obar")
	for _, s := range sources {
		fmt.Printf(" %10s", s)
	}
	fmt.Println()
	for _, f := range params.Fields {
		for k, thr := range f.ObarThresholds {
			fmt.Printf("  %-12s %-10g", f.Name, thr)
			for _, s := range sources {
				fmt.Printf(" %10d", counts[bucket{f.Name, k}][s])
			}
			fmt.Println()
		}
	}
	fmt.Printf("\nLeads stored: %v, thresholds: %d\n", table.Leads(), table.Len())
}

func checkCoverage(table *sqlite.Table, params *config.Params, leads []int, numTiles int) *phase {
	p := &phase{name: "Every tile has a threshold"}
	for _, lead := range leads {
		for _, f := range params.Fields {
			for k := range f.ObarThresholds {
				var missing []int
				for tile := range numTiles {
					if _, ok := table.Lookup(lead, f.Name, k, tile); !ok {
						missing = append(missing, tile)
					}
				}
				if len(missing) > 0 {
					p.errorf("lead %d field %s obar %d: %d tiles missing %v", lead, f.Name, k, len(missing), compact(missing))
				}
			}
		}
	}
	return p
}

// checkBias confirms computed thresholds carry a bias and coldstart ones do not.
func checkBias(table *sqlite.Table) *phase {
	p := &phase{name: "Bias present exactly where computed"}
	for _, k := range table.Keys() {
		r, _ := table.Lookup(k.LeadSeconds, k.Field, k.ObarIndex, k.TileIndex)
		switch {
		case r.Source == domain.SourceComputed && !r.Bias.Valid:
			p.errorf("lead %d field %s obar %d tile %d: computed without bias", k.LeadSeconds, k.Field, k.ObarIndex, k.TileIndex)
		case r.Source == domain.SourceColdstart && r.Bias.Valid:
			p.errorf("lead %d field %s obar %d tile %d: coldstart with bias", k.LeadSeconds, k.Field, k.ObarIndex, k.TileIndex)
		}
	}
	return p
}

// compact caps long tile lists for display.
func compact(tiles []int) []int {
	const limit = 10
	if len(tiles) <= limit {
		return tiles
	}
	return slices.Clip(tiles[:limit])
}
