// Package harvest holds the domain types shared by the harvesting pipeline.
//
// A run walks a list of brands (work units). For every brand the pipeline
// discovers product listings on each configured source, fetches the product
// detail page for every listing and, for sources that expose a review API,
// pages through that product's reviews. All network access goes through a
// rate-limited, retrying Fetcher that is bounded by concurrency gates, and all
// writes go through a Store whose inserts are idempotent so interrupted runs
// can simply be started again.
//
// The packages build on each other roughly as follows:
//
//	fetcher/colly  -> fetcher (delay, retry, classification) -> gate
//	paginator      -> resumable review pages for one product
//	orchestrator   -> listing -> product -> review stages for one brand
//	coordinator    -> sessions, brand batches, failure isolation, summary
package harvest
