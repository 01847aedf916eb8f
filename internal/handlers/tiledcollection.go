package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/url"
	"path/filepath"
	"strconv"

	"github.com/1kimnet/ETL-pipeline/internal/logging"
	"github.com/1kimnet/ETL-pipeline/internal/model"
	"github.com/1kimnet/ETL-pipeline/internal/retry"
)

type collectionsIndex struct {
	Collections []collectionMeta `json:"collections"`
}

type collectionMeta struct {
	ID         string `json:"id"`
	StorageCRS string `json:"storageCrs"`
}

type hyperlink struct {
	Rel  string `json:"rel"`
	Href string `json:"href"`
}

// TiledCollectionHandler targets an OGC-API-style collections index and
// per-collection item streams paginated via rel=next hypermedia links (spec
// §4.5.4).
type TiledCollectionHandler struct {
	Deps
}

func (h *TiledCollectionHandler) Fetch(ctx context.Context, source model.SourceDescriptor, stagingRoot string) ([]model.RawArtifact, []model.FetchFailure, error) {
	destDir := filepath.Join(stagingRoot, source.Authority, source.ID)

	index, err := h.fetchCollectionsIndex(ctx, source)
	if err != nil {
		return nil, nil, fmt.Errorf("tiledcollection %s: fetch collections index: %w", source.ID, err)
	}

	targetIDs := includeCollectionIDs(source)
	if len(targetIDs) == 0 {
		return nil, nil, fmt.Errorf("tiledcollection %s: source.include.collections is required", source.ID)
	}

	var artifacts []model.RawArtifact
	var failures []model.FetchFailure
	for _, coll := range index.Collections {
		if !targetIDs[coll.ID] {
			continue
		}
		if ctx.Err() != nil {
			return artifacts, failures, ctx.Err()
		}
		artifact, err := h.fetchCollection(ctx, source, destDir, coll)
		if err != nil {
			failures = append(failures, model.FetchFailure{SubResourceID: coll.ID, Err: err})
			h.log().Log(logging.With(logging.With(logging.Event("tiledcollection", "error", err.Error()), "source_id", source.ID), "sub_resource_id", coll.ID))
			continue
		}
		artifacts = append(artifacts, artifact)
	}

	if len(artifacts) == 0 && len(failures) > 0 {
		return nil, failures, fmt.Errorf("tiledcollection %s: every collection failed", source.ID)
	}
	return artifacts, failures, nil
}

func (h *TiledCollectionHandler) fetchCollectionsIndex(ctx context.Context, source model.SourceDescriptor) (collectionsIndex, error) {
	key := breakerKey(source.URL, source.Kind)
	var index collectionsIndex
	err := retry.Attempt(ctx, h.Policy, h.Breakers, key, h.log(), func(ctx context.Context) error {
		resp, err := h.Transport.Get(ctx, source.URL+"/collections", nil, "application/json")
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		return json.Unmarshal(body, &index)
	})
	return index, err
}

func includeCollectionIDs(source model.SourceDescriptor) map[string]bool {
	raw, ok := source.Extra["collections"].([]any)
	if !ok {
		return nil
	}
	ids := map[string]bool{}
	for _, v := range raw {
		if s, ok := v.(string); ok {
			ids[s] = true
		}
	}
	return ids
}

func pageSize(source model.SourceDescriptor) int {
	switch v := source.Extra["page_size"].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 1000
	}
}

func (h *TiledCollectionHandler) fetchCollection(ctx context.Context, source model.SourceDescriptor, destDir string, coll collectionMeta) (model.RawArtifact, error) {
	limit := pageSize(source)
	itemsURL := source.URL + "/collections/" + coll.ID + "/items"

	params := map[string]string{"limit": strconv.Itoa(limit)}
	if bbox, ok := effectiveBBox(source); ok {
		params["bbox"] = fmt.Sprintf("%g,%g,%g,%g", bbox.XMin, bbox.YMin, bbox.XMax, bbox.YMax)
	}

	var allFeatures []json.RawMessage
	crs := coll.StorageCRS
	overridden := false
	next := itemsURL
	firstPage := true
	partial := false

	for next != "" {
		if ctx.Err() != nil {
			partial = true
			break
		}

		key := breakerKey(next, source.Kind)
		var body []byte
		requestParams := params
		if !firstPage {
			requestParams = nil
		}
		err := retry.Attempt(ctx, h.Policy, h.Breakers, key, h.log(), func(ctx context.Context) error {
			resp, err := h.Transport.Get(ctx, next, requestParams, "application/geo+json")
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			data, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}
			body = data
			return nil
		})
		if err != nil {
			partial = true
			break
		}

		rawFeatures, nextHref, perr := parseItemsPage(body)
		if perr != nil {
			partial = true
			break
		}

		if firstPage && shouldOverrideCRS(source, h.CRSOverrideAuthorities, rawFeatures) {
			crs = "EPSG:4326"
			overridden = true
			h.log().Log(logging.With(logging.With(logging.Event("tiledcollection", "info", "overriding advertised CRS to geographic"), "source_id", source.ID), "sub_resource_id", coll.ID))
		}

		allFeatures = append(allFeatures, rawFeatures...)
		firstPage = false

		if nextHref == "" {
			break
		}
		resolved, rerr := resolveRelative(next, nextHref)
		if rerr != nil {
			break
		}
		next = resolved
	}

	path, err := writeFeatureCollection(destDir, coll.ID, allFeatures)
	if err != nil {
		return model.RawArtifact{}, err
	}

	return model.RawArtifact{
		SourceID:       source.ID,
		SubResourceID:  coll.ID,
		PayloadPath:    path,
		DeclaredFormat: model.StagedJSONVector,
		DeclaredCRS:    crs,
		Partial:        partial,
		Notes:          crsOverrideNote(overridden),
	}, nil
}

func crsOverrideNote(overridden bool) []string {
	if !overridden {
		return nil
	}
	return []string{"crs overridden to geographic per magnitude heuristic"}
}

func parseItemsPage(body []byte) (features []json.RawMessage, nextHref string, err error) {
	var doc struct {
		Features []json.RawMessage `json:"features"`
		Links    []hyperlink       `json:"links"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, "", err
	}
	for _, l := range doc.Links {
		if l.Rel == "next" {
			nextHref = l.Href
			break
		}
	}
	return doc.Features, nextHref, nil
}

func resolveRelative(base, ref string) (string, error) {
	baseURL, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	refURL, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	return baseURL.ResolveReference(refURL).String(), nil
}

// shouldOverrideCRS implements the heuristic in spec §4.5.4 step 3: only
// triggered when the authority is in the configured override list AND the
// first page's coordinates lie within geographic bounds.
func shouldOverrideCRS(source model.SourceDescriptor, allowedAuthorities []string, features []json.RawMessage) bool {
	if !authorityAllowed(source.Authority, allowedAuthorities) {
		return false
	}
	return coordinatesLookGeographic(features)
}

func authorityAllowed(authority string, allowed []string) bool {
	for _, a := range allowed {
		if a == authority {
			return true
		}
	}
	return false
}

func coordinatesLookGeographic(features []json.RawMessage) bool {
	if len(features) == 0 {
		return false
	}
	checked := 0
	for _, raw := range features {
		var f struct {
			Geometry struct {
				Coordinates json.RawMessage `json:"coordinates"`
			} `json:"geometry"`
		}
		if err := json.Unmarshal(raw, &f); err != nil {
			continue
		}
		x, y, ok := firstXY(f.Geometry.Coordinates)
		if !ok {
			continue
		}
		checked++
		if math.Abs(x) > 180 || math.Abs(y) > 90 {
			return false
		}
	}
	return checked > 0
}

// firstXY descends into a GeoJSON coordinates array (of arbitrary nesting
// depth, as in Polygon/MultiPolygon) and returns the first [x, y] pair.
func firstXY(raw json.RawMessage) (x, y float64, ok bool) {
	var pair [2]float64
	if err := json.Unmarshal(raw, &pair); err == nil {
		return pair[0], pair[1], true
	}
	var nested []json.RawMessage
	if err := json.Unmarshal(raw, &nested); err != nil || len(nested) == 0 {
		return 0, 0, false
	}
	return firstXY(nested[0])
}
