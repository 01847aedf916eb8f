// Package staging implements the materializer (spec §4.6): it validates
// format integrity, extracts archives, renames/canonicalizes, and records
// per-artifact metadata for the downstream spatial loader.
package staging

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/1kimnet/ETL-pipeline/internal/logging"
	"github.com/1kimnet/ETL-pipeline/internal/model"
	"github.com/1kimnet/ETL-pipeline/internal/naming"
)

// NameMapping is the staging package's own view of one name-mapping
// override entry (spec §4.2), kept free of any dependency on the config
// package's document-parsing types. Callers convert from config.NameMapping
// at the wiring boundary in cmd/etlpipeline.
type NameMapping struct {
	StagingFC  string
	SDEFC      string
	SDEDataset string
}

// Materializer stages RawArtifacts under root, one subtree per
// authority/source (spec §6 on-disk layout).
type Materializer struct {
	root           string
	names          *NameRegistry
	log            logging.Logger
	mappings       map[string]NameMapping
	skipUnmappable bool
}

// NewMaterializer builds a Materializer rooted at root.
func NewMaterializer(root string, names *NameRegistry, log logging.Logger) *Materializer {
	if log == nil {
		log = logging.Nop{}
	}
	return &Materializer{root: root, names: names, log: log}
}

// Stage validates and canonicalizes one artifact, returning the resulting
// StagedEntry(s). A single artifact can legitimately fan out into several
// StagedEntries (e.g. an archive containing more than one shapefile).
// Failure of this artifact never prevents sibling artifacts or sources from
// proceeding (spec §4.6): the error is returned alongside a ".bad" sidecar
// written next to the artifact's original path.
func (m *Materializer) Stage(source model.SourceDescriptor, artifact model.RawArtifact) ([]model.StagedEntry, error) {
	dir := filepath.Join(m.root, source.Authority, source.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	var entries []model.StagedEntry
	var err error
	switch artifact.DeclaredFormat {
	case model.StagedArchiveOfSplitVector:
		entries, err = m.stageArchiveOfSplitVector(source, artifact, dir)
	case model.StagedSplitVector:
		entries, err = m.stageSplitVector(source, artifact, dir)
	case model.StagedContainerVector:
		entries, err = m.stageContainerVector(source, artifact, dir)
	case model.StagedJSONVector:
		entries, err = m.stageJSONVector(source, artifact, dir)
	default:
		err = fmt.Errorf("unsupported staged kind: %s", artifact.DeclaredFormat)
	}

	if err != nil {
		m.writeBadSidecar(artifact.PayloadPath, err)
		m.log.Log(logging.With(logging.With(logging.Event("staging", "error", err.Error()), "source_id", source.ID), "path", artifact.PayloadPath))
		return nil, err
	}
	return m.applyMappings(source, entries), nil
}

// SetMappings installs the optional name-mapping overrides (spec §4.2, §9).
// mappings are looked up by canonical staged name. Only StagingFC, SDEFC and
// SDEDataset are part of this view; a mapping's Enabled flag is not
// consulted. When skipUnmappable is true and at least one mapping is
// installed, entries with no matching mapping are dropped from Stage's
// result instead of being staged.
func (m *Materializer) SetMappings(mappings []NameMapping, skipUnmappable bool) {
	byName := make(map[string]NameMapping, len(mappings))
	for _, mp := range mappings {
		byName[mp.StagingFC] = mp
	}
	m.mappings = byName
	m.skipUnmappable = skipUnmappable
}

// applyMappings attaches MappedDataset/MappedFeature to entries with a
// matching override, and drops unmapped entries when skipUnmappable is set
// and mappings were supplied (spec §9: "skip_unmappable_sources").
func (m *Materializer) applyMappings(source model.SourceDescriptor, entries []model.StagedEntry) []model.StagedEntry {
	if len(m.mappings) == 0 {
		return entries
	}
	kept := make([]model.StagedEntry, 0, len(entries))
	for _, entry := range entries {
		mp, ok := m.mappings[entry.CanonicalName]
		if !ok {
			if m.skipUnmappable {
				m.log.Log(logging.With(logging.With(logging.Event("staging", "skip", "no name mapping"), "source_id", source.ID), "canonical_name", entry.CanonicalName))
				continue
			}
			kept = append(kept, entry)
			continue
		}
		entry.MappedDataset = mp.SDEDataset
		entry.MappedFeature = mp.SDEFC
		kept = append(kept, entry)
	}
	return kept
}

func (m *Materializer) writeBadSidecar(payloadPath string, cause error) {
	if payloadPath == "" {
		return
	}
	sidecar := payloadPath + ".bad"
	_ = os.WriteFile(sidecar, []byte(cause.Error()+"\n"), 0o644)
}

// --- archive-of-split-vector -------------------------------------------------

type shapefileGroup struct {
	stem    string
	members map[string]*zip.File
}

// stageArchiveOfSplitVector opens the archive, finds every primary member
// (.shp) with its required companions (.shx, .dbf), extracts the members of
// each such complete group into a flat directory, and stages each complete
// primary; members of incomplete groups are not extracted. A primary that
// fails its companion check does not fail the artifact as long as a
// sibling primary in the same archive is complete (spec §4.6).
func (m *Materializer) stageArchiveOfSplitVector(source model.SourceDescriptor, artifact model.RawArtifact, dir string) ([]model.StagedEntry, error) {
	r, err := zip.OpenReader(artifact.PayloadPath)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer r.Close()

	groups := map[string]*shapefileGroup{}
	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		base := filepath.Base(f.Name)
		ext := strings.ToLower(filepath.Ext(base))
		stem := strings.TrimSuffix(base, filepath.Ext(base))
		g, ok := groups[stem]
		if !ok {
			g = &shapefileGroup{stem: stem, members: map[string]*zip.File{}}
			groups[stem] = g
		}
		g.members[ext] = f
	}

	if len(groups) == 0 {
		return nil, fmt.Errorf("archive contains no members")
	}

	var complete []*shapefileGroup
	for _, g := range groups {
		if g.members[".shp"] != nil && g.members[".shx"] != nil && g.members[".dbf"] != nil {
			complete = append(complete, g)
		}
	}
	if len(complete) == 0 {
		return nil, fmt.Errorf("no primary member has required companions (.shx, .dbf)")
	}

	var entries []model.StagedEntry
	var lastErr error
	for _, g := range complete {
		for ext, f := range g.members {
			if err := extractZipMember(f, filepath.Join(dir, g.stem+ext)); err != nil {
				lastErr = err
				continue
			}
		}

		logicalName := g.stem
		if artifact.SubResourceID != "" {
			logicalName = artifact.SubResourceID
		}
		canonical := m.names.Reserve(naming.Identifier(source.Authority+"_"+logicalName), naming.ResolveCollision)
		stagedPath := filepath.Join(dir, g.stem+".shp")
		if err := writeMeta(metaPathFor(stagedPath), model.StagedSplitVector, artifact.DeclaredCRS, 0, artifact.Partial); err != nil {
			lastErr = err
		}
		entries = append(entries, model.StagedEntry{
			SourceID:      source.ID,
			Authority:     source.Authority,
			CanonicalName: canonical,
			Path:          stagedPath,
			Format:        model.StagedSplitVector,
			CRS:           artifact.DeclaredCRS,
			Partial:       artifact.Partial,
		})
	}

	if len(entries) == 0 {
		return nil, lastErr
	}
	return entries, nil
}

func extractZipMember(f *zip.File, destPath string) error {
	src, err := f.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(destPath)
	if err != nil {
		return err
	}
	defer dst.Close()

	_, err = io.Copy(dst, src)
	return err
}

// --- split-vector (already-extracted on disk) -------------------------------

func (m *Materializer) stageSplitVector(source model.SourceDescriptor, artifact model.RawArtifact, dir string) ([]model.StagedEntry, error) {
	stem := strings.TrimSuffix(filepath.Base(artifact.PayloadPath), filepath.Ext(artifact.PayloadPath))
	base := strings.TrimSuffix(artifact.PayloadPath, filepath.Ext(artifact.PayloadPath))
	for _, companion := range []string{".shx", ".dbf"} {
		if _, err := os.Stat(base + companion); err != nil {
			return nil, fmt.Errorf("missing companion file %s%s", stem, companion)
		}
	}

	logicalName := stem
	if artifact.SubResourceID != "" {
		logicalName = artifact.SubResourceID
	}
	canonical := m.names.Reserve(naming.Identifier(source.Authority+"_"+logicalName), naming.ResolveCollision)

	destBase := filepath.Join(dir, canonical)
	for _, ext := range []string{".shp", ".shx", ".dbf"} {
		if err := copyFile(base+ext, destBase+ext); err != nil {
			return nil, err
		}
	}
	if err := writeMeta(destBase+".meta", model.StagedSplitVector, artifact.DeclaredCRS, 0, artifact.Partial); err != nil {
		return nil, err
	}

	return []model.StagedEntry{{
		SourceID:      source.ID,
		Authority:     source.Authority,
		CanonicalName: canonical,
		Path:          destBase + ".shp",
		Format:        model.StagedSplitVector,
		CRS:           artifact.DeclaredCRS,
		Partial:       artifact.Partial,
	}}, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

// --- json-vector -------------------------------------------------------------

type geoJSONDoc struct {
	Type     string `json:"type"`
	Features []struct {
		Type     string `json:"type"`
		Geometry struct {
			Type string `json:"type"`
		} `json:"geometry"`
	} `json:"features"`
	Geometry *struct {
		Type string `json:"type"`
	} `json:"geometry,omitempty"`
}

func (m *Materializer) stageJSONVector(source model.SourceDescriptor, artifact model.RawArtifact, dir string) ([]model.StagedEntry, error) {
	data, err := os.ReadFile(artifact.PayloadPath)
	if err != nil {
		return nil, err
	}
	var doc geoJSONDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("malformed json: %w", err)
	}
	if doc.Type != "FeatureCollection" && doc.Type != "Feature" {
		return nil, fmt.Errorf("top-level structure is not a FeatureCollection or Feature, got %q", doc.Type)
	}

	dominant := dominantGeometry(doc)
	featureCount := len(doc.Features)
	if doc.Type == "Feature" {
		featureCount = 1
	}

	logicalName := source.Name
	if artifact.SubResourceID != "" {
		logicalName = artifact.SubResourceID
	}
	canonical := m.names.Reserve(naming.Identifier(source.Authority+"_"+logicalName), naming.ResolveCollision)
	destPath := filepath.Join(dir, canonical+".json")
	if err := os.WriteFile(destPath, data, 0o644); err != nil {
		return nil, err
	}
	if err := writeMeta(metaPathFor(destPath), artifact.DeclaredFormat, artifact.DeclaredCRS, featureCount, artifact.Partial); err != nil {
		return nil, err
	}

	return []model.StagedEntry{{
		SourceID:      source.ID,
		Authority:     source.Authority,
		CanonicalName: canonical,
		Path:          destPath,
		Format:        model.StagedJSONVector,
		CRS:           artifact.DeclaredCRS,
		FeatureCount:  featureCount,
		DominantGeom:  dominant,
		Partial:       artifact.Partial,
	}}, nil
}

func dominantGeometry(doc geoJSONDoc) string {
	counts := map[string]int{}
	classify := func(geomType string) string {
		switch {
		case strings.HasPrefix(geomType, "Point"), strings.HasPrefix(geomType, "MultiPoint"):
			return "point"
		case strings.HasPrefix(geomType, "LineString"), strings.HasPrefix(geomType, "MultiLineString"):
			return "line"
		case strings.HasPrefix(geomType, "Polygon"), strings.HasPrefix(geomType, "MultiPolygon"):
			return "polygon"
		default:
			return ""
		}
	}
	if doc.Geometry != nil {
		if k := classify(doc.Geometry.Type); k != "" {
			counts[k]++
		}
	}
	for _, f := range doc.Features {
		if k := classify(f.Geometry.Type); k != "" {
			counts[k]++
		}
	}
	if len(counts) == 0 {
		return ""
	}
	dominantKind, dominantCount := "", 0
	mixed := false
	for k, c := range counts {
		if c > dominantCount {
			dominantKind, dominantCount = k, c
		}
	}
	if len(counts) > 1 {
		mixed = true
	}
	if mixed {
		return "mixed"
	}
	return dominantKind
}

// writeMeta writes the small text sidecar spec §6 requires next to every
// staged entry (format, crs, featureCount, partial). metaPath is the exact
// sidecar path to write; callers derive it from the entry's own Path rather
// than having writeMeta guess at an extension, since a container entry's
// Path carries a "#table" suffix that a naive strip-extension would mangle.
func writeMeta(metaPath string, format model.StagedKind, crs string, featureCount int, partial bool) error {
	content := fmt.Sprintf("format=%s\ncrs=%s\nfeature_count=%d\npartial=%t\n", format, crs, featureCount, partial)
	return os.WriteFile(metaPath, []byte(content), 0o644)
}

func metaPathFor(stagedPath string) string {
	return strings.TrimSuffix(stagedPath, filepath.Ext(stagedPath)) + ".meta"
}
