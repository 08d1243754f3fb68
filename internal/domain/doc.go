// Package domain holds the value types shared by the calibration engine and
// its adapters.
//
// # Coordinates
//
// A forecast is identified by its generation time (issue time, UTC, whole
// seconds) and a lead time in seconds. The valid time of a forecast is
// generation time plus lead. Observations are keyed by valid time.
//
// # pbar and obar
//
// pbar is the fraction of ensemble members whose forecast passes a candidate
// threshold, averaged over a tile. It is supplied per tile as an ordered list
// over the candidate thresholds of a field. Upstream encodes "no ensemble
// member had data" as a negative value; adapters convert it to an invalid
// [Optional] at the boundary so the engine never sees the sentinel.
//
// obar is the observed frequency of a verification threshold being exceeded,
// supplied as a grid per verification threshold and averaged over each tile.
//
// # Comparison direction
//
//	ge: pbar = P(member >= threshold), non-increasing in threshold
//	le: pbar = P(member <= threshold), non-decreasing in threshold
//
// # Result provenance
//
// Every tile receives a threshold on every pass. [ResultSource] records how:
// computed from its own data, inherited from the tile below, copied from the
// mother tile, or set to the configured coldstart threshold.
package domain
