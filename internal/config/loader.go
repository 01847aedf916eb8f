package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/1kimnet/ETL-pipeline/internal/model"
	"github.com/1kimnet/ETL-pipeline/internal/naming"
)

// Defaults applied to GlobalSettings when the document omits a field.
func defaultedGlobalSettings() GlobalSettings {
	return GlobalSettings{
		Retry: RetrySettings{
			MaxAttempts:             3,
			BaseDelay:               Duration(1_000_000_000),  // 1s
			BackoffFactor:           2.0,
			MaxDelay:                Duration(30_000_000_000), // 30s
			Timeout:                 Duration(30_000_000_000),
			CircuitBreakerThreshold: 5,
			CircuitBreakerTimeout:   Duration(60_000_000_000), // 60s
		},
		Processing: ProcessingSettings{
			ParallelWorkers: 4,
			ChunkSize:       65536,
		},
		Paths: PathSettings{
			Downloads: "downloads",
			Staging:   "staging",
		},
		MaxPipelineFailures: 5,
		SourceTimeout:       Duration(15 * 60 * 1_000_000_000), // 15m
		PerHostConcurrency:  4,
	}
}

// LoadGlobalSettings parses the global settings document at path, applying
// defaults for any field the document omits.
func LoadGlobalSettings(path string) (GlobalSettings, error) {
	settings := defaultedGlobalSettings()
	data, err := os.ReadFile(path)
	if err != nil {
		return settings, &ConfigError{Path: path, Err: err}
	}
	if err := yaml.Unmarshal(data, &settings); err != nil {
		return settings, &ConfigError{Path: path, Err: err}
	}
	return settings, nil
}

// LoadNameMappings parses the optional name-mapping override document. A
// missing path is not an error: the core treats it as "no overrides".
func LoadNameMappings(path string) ([]NameMapping, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, &ConfigError{Path: path, Err: err}
	}
	var mappings []NameMapping
	if err := yaml.Unmarshal(data, &mappings); err != nil {
		return nil, &ConfigError{Path: path, Err: err}
	}
	return mappings, nil
}

// LoadResult is the outcome of loading the source inventory: validated
// descriptors in inventory order, plus per-source validation errors for
// records that were rejected (and therefore excluded from the run, but do
// not abort it — spec §4.2).
type LoadResult struct {
	Sources  []model.SourceDescriptor
	Rejected []*ValidationError
}

var kindAliases = map[string]model.SourceKind{
	"file":      model.KindDirectFile,
	"atom_feed": model.KindFeed,
	"rest_api":  model.KindTiledQuery,
	"ogc_api":   model.KindTiledCollection,
}

var stagedKindAliases = map[string]model.StagedKind{
	"shapefile_collection": model.StagedArchiveOfSplitVector,
	"gpkg":                 model.StagedContainerVector,
	"geojson":              model.StagedJSONVector,
	"json":                 model.StagedJSONVector,
}

// LoadInventory parses the source-inventory document at path. The records
// must be a YAML sequence under the document's top-level `sources:` key; a
// bare top-level sequence is not accepted and yields a ConfigError.
func LoadInventory(path string, global GlobalSettings) (LoadResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return LoadResult{}, &ConfigError{Path: path, Err: err}
	}

	var doc struct {
		Sources []yaml.Node `yaml:"sources"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return LoadResult{}, &ConfigError{Path: path, Err: err}
	}

	result := LoadResult{}
	usedIDs := map[string]bool{}

	for _, node := range doc.Sources {
		var raw rawSource
		if err := node.Decode(&raw); err != nil {
			result.Rejected = append(result.Rejected, &ValidationError{SourceName: "<unparseable>", Reason: err.Error()})
			continue
		}
		var full map[string]any
		_ = node.Decode(&full)

		desc, verr := buildDescriptor(raw, full, global, usedIDs)
		if verr != nil {
			result.Rejected = append(result.Rejected, verr)
			continue
		}
		usedIDs[desc.ID] = true
		result.Sources = append(result.Sources, desc)
	}

	return result, nil
}

var recognizedSourceKeys = map[string]bool{
	"name": true, "authority": true, "type": true, "url": true,
	"enabled": true, "staged_data_type": true, "include": true,
	"download_format": true, "raw": true,
}

func buildDescriptor(raw rawSource, full map[string]any, global GlobalSettings, usedIDs map[string]bool) (model.SourceDescriptor, *ValidationError) {
	name := strings.TrimSpace(raw.Name)
	if name == "" {
		return model.SourceDescriptor{}, &ValidationError{SourceName: "<unnamed>", Reason: "missing required field: name"}
	}
	authority := strings.TrimSpace(raw.Authority)
	if authority == "" {
		return model.SourceDescriptor{}, &ValidationError{SourceName: name, Reason: "missing required field: authority"}
	}
	if strings.TrimSpace(raw.URL) == "" {
		return model.SourceDescriptor{}, &ValidationError{SourceName: name, Reason: "missing required field: url"}
	}
	kind, ok := kindAliases[strings.ToLower(strings.TrimSpace(raw.Type))]
	if !ok {
		return model.SourceDescriptor{}, &ValidationError{SourceName: name, Reason: fmt.Sprintf("unrecognized type: %q", raw.Type)}
	}

	stagedKind := model.StagedJSONVector
	if strings.TrimSpace(raw.StagedDataType) != "" {
		sk, ok := stagedKindAliases[strings.ToLower(strings.TrimSpace(raw.StagedDataType))]
		if !ok {
			return model.SourceDescriptor{}, &ValidationError{SourceName: name, Reason: fmt.Sprintf("unrecognized staged_data_type: %q", raw.StagedDataType)}
		}
		stagedKind = sk
	}

	enabled := true
	if raw.Enabled != nil {
		enabled = *raw.Enabled
	}

	id := naming.Identifier(authority + "_" + name)
	if usedIDs[id] {
		return model.SourceDescriptor{}, &ValidationError{SourceName: name, Reason: fmt.Sprintf("duplicate source id: %s", id)}
	}

	extra := map[string]any{}
	for k, v := range full {
		if !recognizedSourceKeys[k] {
			extra[k] = v
		}
	}
	if raw.Raw != nil {
		for k, v := range raw.Raw {
			extra[k] = v
		}
	}

	var bbox *model.BBox
	if b, ok := bboxFromExtra(extra); ok {
		if !b.Valid() {
			return model.SourceDescriptor{}, &ValidationError{SourceName: name, Reason: "bbox min must not exceed max per axis"}
		}
		bbox = &b
	} else if global.UseBBoxFilter {
		bbox = global.GlobalBBox()
	}

	return model.SourceDescriptor{
		ID:         id,
		Name:       name,
		Authority:  authority,
		Kind:       kind,
		URL:        strings.TrimSpace(raw.URL),
		Enabled:    enabled,
		StagedKind: stagedKind,
		Include:    raw.Include,
		BBox:       bbox,
		Extra:      extra,
	}, nil
}

func bboxFromExtra(extra map[string]any) (model.BBox, bool) {
	raw, ok := extra["bbox"].(string)
	if !ok || strings.TrimSpace(raw) == "" {
		return model.BBox{}, false
	}
	parts := strings.Split(raw, ",")
	if len(parts) != 4 {
		return model.BBox{}, false
	}
	var nums [4]float64
	for i, p := range parts {
		if _, err := fmt.Sscanf(strings.TrimSpace(p), "%g", &nums[i]); err != nil {
			return model.BBox{}, false
		}
	}
	crs, _ := extra["bbox_sr"].(string)
	return model.BBox{XMin: nums[0], YMin: nums[1], XMax: nums[2], YMax: nums[3], CRS: crs}, true
}
