// Package sources holds the pluggable site adapters. The pipeline treats
// every adapter uniformly: it only ever sees canonical URLs, candidates
// and fallback-parsed listings.
package sources

import (
	"fmt"
	"net/url"
	"strings"

	"listing-radar-go/internal/models"
)

// Candidate is one raw item parsed from a result page. Promoted entries
// are never extracted or notified, but their ids still get baseline-
// registered so an expiring promotion cannot cause a notification storm.
type Candidate struct {
	ExternalID  string
	ContentID   string
	SnippetText string
	Link        string
	ImageURL    string
	RawHTML     string
	Promoted    bool
}

// Adapter is the per-site contract.
type Adapter interface {
	// Source is the adapter key, also used as the content-id prefix root.
	Source() string

	// Category is the listing category this source produces.
	Category() string

	// ContentID builds the globally unique, source-prefixed id.
	ContentID(externalID string) string

	// Canonicalize normalizes a user-supplied search URL into the stored
	// canonical form. Each adapter declares the legacy byte encoding its
	// site uses for percent escapes.
	Canonicalize(rawURL string) (string, error)

	// PageURL derives the fetch URL for one result page.
	PageURL(canonicalURL string, page int) string

	// MaxPages caps how many pages one tick may request.
	MaxPages() int

	// Parse extracts all candidates from one result page.
	Parse(html string) ([]Candidate, error)

	// Fallback deterministically parses a candidate's row when AI
	// extraction failed. It must always return a usable listing.
	Fallback(c Candidate) models.Listing
}

// Registry maps source keys to adapters.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry builds a registry over the given adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	reg := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		reg.adapters[a.Source()] = a
	}
	return reg
}

// DefaultRegistry wires every supported site.
func DefaultRegistry() *Registry {
	return NewRegistry(NewAvtonet(), NewBolha(), NewNepremicnine())
}

// Get returns the adapter for a source key.
func (r *Registry) Get(source string) (Adapter, error) {
	a, ok := r.adapters[source]
	if !ok {
		return nil, fmt.Errorf("unknown source %q", source)
	}
	return a, nil
}

// Detect picks the adapter owning a raw URL by hostname.
func (r *Registry) Detect(rawURL string) (Adapter, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("unparseable url: %w", err)
	}
	host := strings.ToLower(u.Hostname())
	switch {
	case strings.Contains(host, "avto.net"):
		return r.Get(sourceAvtonet)
	case strings.Contains(host, "bolha"):
		return r.Get(sourceBolha)
	case strings.Contains(host, "nepremicnine"):
		return r.Get(sourceNepremicnine)
	}
	return nil, fmt.Errorf("no adapter for host %q", host)
}
