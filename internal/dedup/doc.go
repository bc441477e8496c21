// Package dedup classifies archive capture records for a project into pages
// that are already stored, fetches already in flight, and fetches this call
// now owns, and completes the fan-out for each bucket. It also receives the
// fetch lifecycle callbacks that close the loop once a page is stored.
package dedup
