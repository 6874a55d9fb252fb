// Package scheduler runs the periodic maintenance jobs (fingerprint eviction,
// subscription renewal sweeps, the polling fallback, the stats line) on top
// of robfig/cron. A job never overlaps with itself: a trigger that fires while
// the previous run is still going is skipped.
package scheduler
