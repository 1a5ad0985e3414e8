package paginator

// Plan is the resume decision for one item once the probe page is known.
type Plan struct {
	// Start is the probe page, one past the last stored page.
	Start int
	// Total is the number of pages the source reports.
	Total int
	// Done means every reported page is already stored.
	Done bool
	// Remaining lists the pages to fetch after the probe, in order.
	Remaining []int
}

// StartPage returns the first page not yet stored given the stored marker.
func StartPage(marker int) int {
	if marker < 1 {
		return 1
	}
	return marker + 1
}

// TotalPages is ceil(total/pageSize); zero when either input is non-positive.
func TotalPages(total, pageSize int) int {
	if total <= 0 || pageSize <= 0 {
		return 0
	}
	return (total + pageSize - 1) / pageSize
}

// Decide plans the remaining fetches for an item whose probe page (page
// StartPage(marker)) returned records and reported reportedTotal records
// overall. A probe with records proves at least that many pages exist, so
// a fresh item with an under-reported total still keeps its probe.
func Decide(marker, reportedTotal, pageSize int) Plan {
	start := StartPage(marker)
	total := TotalPages(reportedTotal, pageSize)
	if marker > 0 && marker >= total {
		return Plan{Start: start, Total: total, Done: true}
	}
	if total < start {
		total = start
	}
	plan := Plan{Start: start, Total: total}
	for page := start + 1; page <= total; page++ {
		plan.Remaining = append(plan.Remaining, page)
	}
	return plan
}
