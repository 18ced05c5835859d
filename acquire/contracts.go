// Package acquire turns content found in the outside world into registered
// depot manifests. Discoverers find content, deliverers fetch and stage it,
// and the orchestrator drives one acquisition through its phases: download,
// extract, copy, validate, deliver.
package acquire

import (
	"context"
	"errors"
	"strings"

	"github.com/warchest/warchest/manifest"
)

// A SearchResult is one piece of acquirable content reported by a
// discoverer. It carries enough identity to build a manifest and enough
// location to fetch the bytes.
type SearchResult struct {
	ID          manifest.ID
	DisplayName string
	Description string
	Type        manifest.ContentType
	Game        string
	Publisher   manifest.Publisher

	// URL is where the deliverable lives.
	URL string

	// MD5 is the hex checksum of the download as published by the
	// source, if it publishes one. A download not matching it is
	// discarded before extraction.
	MD5 string

	// Archive hints at the package format when the URL alone is not
	// telling, e.g. "zip" or "tar.gz". Empty means guess from the URL.
	Archive string

	// Size is the download size in bytes if the discoverer knows it,
	// 0 otherwise.
	Size int64
}

// A Discoverer finds acquirable content from one source: a content index,
// a mirror list, a web catalog.
type Discoverer interface {
	// Name identifies the source in logs and results.
	Name() string
	// Search returns content matching the query. An empty query lists
	// everything the source offers.
	Search(ctx context.Context, query string) ([]SearchResult, error)
}

// A Resolver refines a search result into a deliverable one, filling in
// the download URL, package format, or size for sources whose catalog
// entries do not carry them directly. Resolvers are per-source adapters
// supplied by whoever registers the source.
type Resolver interface {
	Name() string
	// CanResolve reports whether this resolver understands the result.
	CanResolve(r SearchResult) bool
	Resolve(ctx context.Context, r SearchResult) (SearchResult, error)
}

// A ResolverSet dispatches to the first registered resolver claiming a
// result. Registration order is priority order.
type ResolverSet struct {
	resolvers []Resolver
}

// Register appends a resolver.
func (rs *ResolverSet) Register(r Resolver) {
	rs.resolvers = append(rs.resolvers, r)
}

// Resolve runs the first resolver claiming the result. A result no
// resolver claims passes through unchanged; that is the common case for
// sources whose results are directly deliverable.
func (rs *ResolverSet) Resolve(ctx context.Context, r SearchResult) (SearchResult, error) {
	for _, res := range rs.resolvers {
		if res.CanResolve(r) {
			return res.Resolve(ctx, r)
		}
	}
	return r, nil
}

// A Deliverer fetches one search result and stages its files under
// workDir at their manifest-relative paths, returning the manifest that
// describes what it staged. The report callback carries phase progress;
// deliverers report within PhaseDownloading, PhaseExtracting, and
// PhaseCopying only.
type Deliverer interface {
	Name() string
	// CanDeliver reports whether this deliverer understands the result.
	CanDeliver(r SearchResult) bool
	// Precheck is a cheap sanity pass over the result before any bytes
	// move, e.g. that the URL is present and the package format is one
	// we can unpack. It exists so a bad result fails in milliseconds
	// instead of after a full download.
	Precheck(r SearchResult) bool
	Deliver(ctx context.Context, r SearchResult, workDir string, report func(Phase, float64)) (*manifest.Manifest, error)
}

var (
	// ErrNoDeliverer means no registered deliverer understands a result.
	ErrNoDeliverer = errors.New("no deliverer for result")
)

// A Registry dispatches to the first registered deliverer claiming a
// result. Registration order is priority order.
type Registry struct {
	deliverers []Deliverer
}

// Register appends a deliverer. Not safe to call once acquisitions run.
func (reg *Registry) Register(d Deliverer) {
	reg.deliverers = append(reg.deliverers, d)
}

// For returns the first deliverer claiming the result, or nil.
func (reg *Registry) For(r SearchResult) Deliverer {
	for _, d := range reg.deliverers {
		if d.CanDeliver(r) {
			return d
		}
	}
	return nil
}

// A Sources set aggregates discoverers. Search queries all of them and
// concatenates the results; a failing source is skipped, not fatal.
type Sources struct {
	discoverers []Discoverer
}

// Register appends a discoverer.
func (s *Sources) Register(d Discoverer) {
	s.discoverers = append(s.discoverers, d)
}

// Search queries every source in order. Errors from individual sources
// are collected and returned alongside whatever was found.
func (s *Sources) Search(ctx context.Context, query string) ([]SearchResult, []error) {
	var results []SearchResult
	var errs []error
	for _, d := range s.discoverers {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			return results, errs
		}
		found, err := d.Search(ctx, query)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		results = append(results, found...)
	}
	return results, errs
}

// archiveKind guesses the package format of a result. It prefers the
// explicit hint over the URL suffix. The empty string means the result is
// not an archive.
func archiveKind(r SearchResult) string {
	if r.Archive != "" {
		return r.Archive
	}
	u := strings.ToLower(r.URL)
	switch {
	case strings.HasSuffix(u, ".zip"):
		return "zip"
	case strings.HasSuffix(u, ".tar.gz"), strings.HasSuffix(u, ".tgz"):
		return "tar.gz"
	case strings.HasSuffix(u, ".tar"):
		return "tar"
	}
	return ""
}
