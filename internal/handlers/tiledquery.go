package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/1kimnet/ETL-pipeline/internal/logging"
	"github.com/1kimnet/ETL-pipeline/internal/model"
	"github.com/1kimnet/ETL-pipeline/internal/retry"
)

// serviceMetadata is the ArcGIS-REST-style service document: a list of
// layers, or a degenerate single-layer service exposing its fields at the
// top level (spec §4.5.3 step 2).
type serviceMetadata struct {
	Layers []layerMetadata `json:"layers"`
	Name   string          `json:"name"`
}

type layerMetadata struct {
	ID             int    `json:"id"`
	Name           string `json:"name"`
	MaxRecordCount int    `json:"maxRecordCount"`
}

type queryPage struct {
	Features             []json.RawMessage `json:"features"`
	ExceededTransferLimit bool             `json:"exceededTransferLimit"`
}

// TiledQueryHandler fetches an ArcGIS-REST-style service's layer inventory,
// paginates each target layer, and aggregates each layer into one
// JSON-vector artifact (spec §4.5.3).
type TiledQueryHandler struct {
	Deps
}

func (h *TiledQueryHandler) Fetch(ctx context.Context, source model.SourceDescriptor, stagingRoot string) ([]model.RawArtifact, []model.FetchFailure, error) {
	destDir := filepath.Join(stagingRoot, source.Authority, source.ID)

	meta, err := h.fetchServiceMetadata(ctx, source)
	if err != nil {
		return nil, nil, fmt.Errorf("tiledquery %s: fetch service metadata: %w", source.ID, err)
	}

	layers := targetLayers(meta, source)
	if len(layers) == 0 {
		return nil, nil, nil
	}

	var artifacts []model.RawArtifact
	var failures []model.FetchFailure
	for _, layer := range layers {
		if ctx.Err() != nil {
			return artifacts, failures, ctx.Err()
		}
		subID := strconv.Itoa(layer.ID)
		artifact, err := h.fetchLayer(ctx, source, destDir, layer)
		if err != nil {
			failures = append(failures, model.FetchFailure{SubResourceID: subID, Err: err})
			h.log().Log(logging.With(logging.With(logging.Event("tiledquery", "error", err.Error()), "source_id", source.ID), "sub_resource_id", layer.ID))
			continue
		}
		artifacts = append(artifacts, artifact)
	}

	if len(artifacts) == 0 && len(failures) > 0 {
		return nil, failures, fmt.Errorf("tiledquery %s: every layer failed", source.ID)
	}
	return artifacts, failures, nil
}

func (h *TiledQueryHandler) fetchServiceMetadata(ctx context.Context, source model.SourceDescriptor) (serviceMetadata, error) {
	key := breakerKey(source.URL, source.Kind)
	var meta serviceMetadata
	err := retry.Attempt(ctx, h.Policy, h.Breakers, key, h.log(), func(ctx context.Context) error {
		resp, err := h.Transport.Get(ctx, source.URL, map[string]string{"f": "json"}, "application/json")
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		return json.Unmarshal(body, &meta)
	})
	return meta, err
}

// targetLayers resolves source.include.layer_ids if present, otherwise all
// layers; a degenerate single-layer service (no Layers entries but a Name)
// is treated as layer 0 (spec §4.5.3 step 2).
func targetLayers(meta serviceMetadata, source model.SourceDescriptor) []layerMetadata {
	if len(meta.Layers) == 0 {
		return []layerMetadata{{ID: 0, Name: meta.Name, MaxRecordCount: 1000}}
	}

	ids := includeLayerIDs(source)
	if len(ids) == 0 {
		return meta.Layers
	}

	var out []layerMetadata
	for _, l := range meta.Layers {
		if ids[l.ID] {
			out = append(out, l)
		}
	}
	return out
}

func includeLayerIDs(source model.SourceDescriptor) map[int]bool {
	raw, ok := source.Extra["layer_ids"].([]any)
	if !ok {
		return nil
	}
	ids := map[int]bool{}
	for _, v := range raw {
		switch n := v.(type) {
		case int:
			ids[n] = true
		case float64:
			ids[int(n)] = true
		case string:
			if i, err := strconv.Atoi(n); err == nil {
				ids[i] = true
			}
		}
	}
	return ids
}

func (h *TiledQueryHandler) fetchLayer(ctx context.Context, source model.SourceDescriptor, destDir string, layer layerMetadata) (model.RawArtifact, error) {
	limit := layer.MaxRecordCount
	if limit <= 0 {
		limit = 1000
	}

	where := "1=1"
	if w, ok := source.Extra["where_clause"].(string); ok && w != "" {
		where = w
	}
	outFields := "*"
	if f, ok := source.Extra["out_fields"].(string); ok && f != "" {
		outFields = f
	}

	var allFeatures []json.RawMessage
	partial := false
	offset := 0
	for {
		if ctx.Err() != nil {
			partial = true
			break
		}

		params := map[string]string{
			"f":             "json",
			"where":         where,
			"outFields":     outFields,
			"resultOffset":  strconv.Itoa(offset),
			"resultRecordCount": strconv.Itoa(limit),
		}
		if bbox, ok := effectiveBBox(source); ok {
			params["geometry"] = fmt.Sprintf("%g,%g,%g,%g", bbox.XMin, bbox.YMin, bbox.XMax, bbox.YMax)
			params["geometryType"] = "esriGeometryEnvelope"
			params["inSR"] = bbox.CRS
			params["spatialRel"] = "esriSpatialRelIntersects"
		}

		key := breakerKey(source.URL+"/layer/"+strconv.Itoa(layer.ID), source.Kind)
		var page queryPage
		err := retry.Attempt(ctx, h.Policy, h.Breakers, key, h.log(), func(ctx context.Context) error {
			resp, err := h.Transport.Get(ctx, source.URL, params, "application/json")
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}
			return json.Unmarshal(body, &page)
		})
		if err != nil {
			partial = true
			break
		}

		allFeatures = append(allFeatures, page.Features...)
		if len(page.Features) == 0 {
			break
		}
		if !page.ExceededTransferLimit && len(page.Features) < limit {
			break
		}
		offset += limit
	}

	path, err := writeFeatureCollection(destDir, fmt.Sprintf("layer_%d", layer.ID), allFeatures)
	if err != nil {
		return model.RawArtifact{}, err
	}

	return model.RawArtifact{
		SourceID:       source.ID,
		SubResourceID:  strconv.Itoa(layer.ID),
		PayloadPath:    path,
		DeclaredFormat: model.StagedJSONVector,
		Partial:        partial,
	}, nil
}

func writeFeatureCollection(destDir, name string, features []json.RawMessage) (string, error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", err
	}
	if features == nil {
		features = []json.RawMessage{}
	}
	doc := struct {
		Type     string            `json:"type"`
		Features []json.RawMessage `json:"features"`
	}{Type: "FeatureCollection", Features: features}

	data, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	path := filepath.Join(destDir, name+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}
