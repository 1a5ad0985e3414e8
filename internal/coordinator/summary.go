package coordinator

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/JakeFAU/catalog-harvester/internal/harvest"
)

// RunStatus is the terminal state of a run.
type RunStatus string

// Supported run statuses.
const (
	StatusPending     RunStatus = "pending"
	StatusRunning     RunStatus = "running"
	StatusCompleted   RunStatus = "completed"
	StatusInterrupted RunStatus = "interrupted"
	StatusFailed      RunStatus = "failed"
)

// Summary aggregates a run. It is published as JSON and printed as a table.
type Summary struct {
	Status         RunStatus                      `json:"status"`
	StartedAt      time.Time                      `json:"started_at"`
	FinishedAt     time.Time                      `json:"finished_at,omitzero"`
	Duration       time.Duration                  `json:"duration_ns"`
	UnitsTotal     int                            `json:"units_total"`
	UnitsProcessed int                            `json:"units_processed"`
	UnitsFailed    []string                       `json:"units_failed"`
	UnitsDegraded  []string                       `json:"units_degraded"`
	Sources        map[string]harvest.SourceStats `json:"sources"`
	Sessions       map[string]string              `json:"sessions"`
	Error          string                         `json:"error,omitempty"`
}

// Totals sums the per-source counters.
func (s Summary) Totals() harvest.SourceStats {
	var total harvest.SourceStats
	for _, stats := range s.Sources {
		total.Add(stats)
	}
	return total
}

// OK reports whether the run completed, regardless of degraded units.
func (s Summary) OK() bool {
	return s.Status == StatusCompleted
}

func (s Summary) clone() Summary {
	out := s
	out.UnitsFailed = slices.Clone(s.UnitsFailed)
	out.UnitsDegraded = slices.Clone(s.UnitsDegraded)
	out.Sources = maps.Clone(s.Sources)
	out.Sessions = maps.Clone(s.Sessions)
	return out
}

// WriteTable renders the summary for a terminal.
func (s Summary) WriteTable(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "status\t%s\n", s.Status)
	fmt.Fprintf(tw, "duration\t%s\n", s.Duration.Round(time.Millisecond))
	fmt.Fprintf(tw, "units\t%d/%d processed, %d failed, %d degraded\n",
		s.UnitsProcessed, s.UnitsTotal, len(s.UnitsFailed), len(s.UnitsDegraded))
	if len(s.UnitsFailed) > 0 {
		fmt.Fprintf(tw, "failed\t%s\n", strings.Join(sorted(s.UnitsFailed), ", "))
	}
	if len(s.UnitsDegraded) > 0 {
		fmt.Fprintf(tw, "degraded\t%s\n", strings.Join(sorted(s.UnitsDegraded), ", "))
	}
	if s.Error != "" {
		fmt.Fprintf(tw, "error\t%s\n", s.Error)
	}
	fmt.Fprintln(tw)

	fmt.Fprintln(tw, "SOURCE\tLISTINGS\tSEEN\tLISTING ERR\tNEW\tDUPLICATE\tFAILED\tSKIPPED\tREVIEW PAGES\tREVIEW ERR\t")
	for _, name := range slices.Sorted(maps.Keys(s.Sources)) {
		writeRow(tw, name, s.Sources[name])
	}
	writeRow(tw, "TOTAL", s.Totals())
	if err := tw.Flush(); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	return nil
}

func writeRow(w io.Writer, name string, st harvest.SourceStats) {
	fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t\n",
		name,
		st.Listings,
		st.ListingsDuplicate,
		st.ListingFailures,
		st.ProductsNew,
		st.ProductsDuplicate,
		st.ProductsFailed,
		st.ProductsSkipped,
		st.ReviewPagesSaved,
		st.ReviewPagesFailed+st.ReviewItemsFailed,
	)
}

func sorted(in []string) []string {
	out := slices.Clone(in)
	slices.Sort(out)
	return out
}
