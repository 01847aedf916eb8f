// Package handlers implements the four extract handlers (spec §4.5): each
// knows how to discover sub-resources, paginate, filter by bounding box, and
// emit raw artifacts into the staging directory, under a single shared
// contract.
package handlers

import (
	"context"
	"net/url"

	"github.com/1kimnet/ETL-pipeline/internal/httpx"
	"github.com/1kimnet/ETL-pipeline/internal/logging"
	"github.com/1kimnet/ETL-pipeline/internal/model"
	"github.com/1kimnet/ETL-pipeline/internal/retry"
)

// Handler fetches zero or more RawArtifacts for one source. Implementations
// must never panic or return out of a source boundary on a remote error: a
// sub-resource (layer, collection, feed entry, include member) that fails is
// reported as a model.FetchFailure alongside whatever artifacts did
// succeed, rather than being silently dropped; the returned error is
// reserved for failures that prevent the source from being fetched at all
// (spec §4.7, §9).
type Handler interface {
	Fetch(ctx context.Context, source model.SourceDescriptor, stagingRoot string) ([]model.RawArtifact, []model.FetchFailure, error)
}

// Deps bundles the collaborators every handler needs, all shared across the
// whole run (spec §4.3, §5, §9 "avoid process-wide singletons except for the
// transport client, which is intentionally shared").
type Deps struct {
	Transport *httpx.Transport
	Policy    retry.Policy
	Breakers  *retry.BreakerTable
	Log       logging.Logger

	// CRSOverrideAuthorities gates the TiledCollection CRS-override heuristic
	// (spec §4.5.4, §9 Open Question): empty by default, extended only by
	// explicit operator configuration.
	CRSOverrideAuthorities []string
}

func (d Deps) log() logging.Logger {
	if d.Log == nil {
		return logging.Nop{}
	}
	return d.Log
}

// breakerKey builds the (host, handler-kind) circuit-breaker key for a
// request URL (spec §4.4).
func breakerKey(rawURL string, handlerKind model.SourceKind) string {
	host := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
		host = u.Host
	}
	return retry.Key(host, string(handlerKind))
}

// ForKind returns the Handler implementation registered for kind (spec §9:
// "tagged variant for kind plus a lookup from variant to implementation").
func ForKind(kind model.SourceKind, deps Deps) Handler {
	switch kind {
	case model.KindDirectFile:
		return &DirectFileHandler{Deps: deps}
	case model.KindFeed:
		return &FeedHandler{Deps: deps}
	case model.KindTiledQuery:
		return &TiledQueryHandler{Deps: deps}
	case model.KindTiledCollection:
		return &TiledCollectionHandler{Deps: deps}
	default:
		return nil
	}
}

// effectiveBBox returns the bbox a handler should apply, if any. The config
// loader already folds the global-bbox toggle and inheritance into
// source.BBox (spec §4.2, §4.5), so handlers only need to check presence.
func effectiveBBox(source model.SourceDescriptor) (*model.BBox, bool) {
	return source.BBox, source.BBox != nil
}
