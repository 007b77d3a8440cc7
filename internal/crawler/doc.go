// Package crawler defines the shared domain of the analyzer: crawl jobs and
// their status machine, analysis results, fetch errors and the interfaces the
// store, fetchers, analyzer and verifier implement.
package crawler
