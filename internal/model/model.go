// Package model defines the shared data types that flow between the config
// loader, the orchestrator, the extract handlers, and the staging
// materializer.
package model

import "time"

// SourceKind selects which extract handler dispatches for a source.
type SourceKind string

const (
	KindDirectFile      SourceKind = "DirectFile"
	KindFeed            SourceKind = "Feed"
	KindTiledQuery      SourceKind = "TiledQuery"
	KindTiledCollection SourceKind = "TiledCollection"
)

// StagedKind is the expected artifact family after staging.
type StagedKind string

const (
	StagedArchiveOfSplitVector StagedKind = "archive-of-split-vector"
	StagedSplitVector          StagedKind = "split-vector"
	StagedContainerVector      StagedKind = "container-vector"
	StagedJSONVector           StagedKind = "json-vector"
)

// BBox is a rectangular geographic filter with an accompanying CRS.
type BBox struct {
	XMin, YMin, XMax, YMax float64
	CRS                    string
}

// Valid reports whether the box is well-formed: min <= max per axis.
func (b BBox) Valid() bool {
	return b.XMin <= b.XMax && b.YMin <= b.YMax
}

// SourceDescriptor is an immutable, validated per-source record produced by
// the config loader.
type SourceDescriptor struct {
	ID         string
	Name       string
	Authority  string
	Kind       SourceKind
	URL        string
	Enabled    bool
	StagedKind StagedKind
	Include    []string
	BBox       *BBox
	Extra      map[string]any
}

// RawArtifact is produced by a handler and consumed exclusively by staging
// thereafter.
type RawArtifact struct {
	SourceID       string
	SubResourceID  string
	PayloadPath    string
	DeclaredFormat StagedKind
	DeclaredCRS    string
	Partial        bool
	Notes          []string
}

// StagedEntry is produced by staging and consumed by the downstream spatial
// loader.
type StagedEntry struct {
	SourceID      string
	Authority     string
	CanonicalName string
	Path          string
	Format        StagedKind
	CRS           string
	FeatureCount  int
	DominantGeom  string
	Partial       bool
	MappedDataset string
	MappedFeature string
}

// FetchFailure records one sub-resource a handler could not turn into a
// RawArtifact (a layer, collection, feed entry, or include member). Handlers
// report these alongside their successful artifacts so the orchestrator can
// classify a source with some-but-not-all sub-resources failing as partial,
// rather than collapsing per-artifact outcomes into a single pass/fail
// boolean (spec §4.7, §9).
type FetchFailure struct {
	SubResourceID string
	Err           error
}

// RetryState describes per-logical-endpoint retry bookkeeping. No package in
// the module populates it: internal/retry keeps the attempt count local to
// Attempt and the breaker state inside gobreaker.
type RetryState struct {
	Attempt      int
	NextDelay    time.Duration
	OpenedUntil  time.Time
}
