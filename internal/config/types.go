package config

import (
	"github.com/1kimnet/ETL-pipeline/internal/model"
)

// RetrySettings mirrors spec §6 retry.*.
type RetrySettings struct {
	MaxAttempts             int      `yaml:"max_attempts"`
	BaseDelay               Duration `yaml:"base_delay"`
	BackoffFactor           float64  `yaml:"backoff_factor"`
	MaxDelay                Duration `yaml:"max_delay"`
	Timeout                 Duration `yaml:"timeout"`
	CircuitBreakerThreshold int      `yaml:"circuit_breaker_threshold"`
	CircuitBreakerTimeout   Duration `yaml:"circuit_breaker_timeout"`
}

// ProcessingSettings mirrors spec §6 processing.*.
type ProcessingSettings struct {
	ParallelWorkers int `yaml:"parallel_workers"`
	MemoryLimitMB   int `yaml:"memory_limit_mb"`
	ChunkSize       int `yaml:"chunk_size"`
}

// PathSettings mirrors spec §6 paths.*.
type PathSettings struct {
	Downloads string `yaml:"downloads"`
	Staging   string `yaml:"staging"`
}

// LoggingSettings mirrors spec §6 logging.*. The values are parsed but not
// read anywhere in the module; cmd/etlpipeline chooses log sinks from its
// command-line flags.
type LoggingSettings struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// GlobalSettings is the parsed and defaulted form of the global settings
// document.
type GlobalSettings struct {
	Environment string              `yaml:"environment"`
	Logging     LoggingSettings     `yaml:"logging"`
	Retry       RetrySettings       `yaml:"retry"`
	Processing  ProcessingSettings  `yaml:"processing"`
	UseBBoxFilter      bool        `yaml:"use_bbox_filter"`
	GlobalBBoxCoords   []float64   `yaml:"global_ogc_bbox_coords"`
	GlobalBBoxCRSURI   string      `yaml:"global_ogc_bbox_crs_uri"`
	Paths              PathSettings `yaml:"paths"`
	CleanupDownloads   bool        `yaml:"cleanup_downloads_before_run"`
	CleanupStaging     bool        `yaml:"cleanup_staging_before_run"`
	MaxPipelineFailures int        `yaml:"max_pipeline_failures"`
	SourceTimeout      Duration    `yaml:"source_timeout"`
	PerHostConcurrency int         `yaml:"per_host_concurrency"`
	ForceDownload      bool        `yaml:"force_download"`
	SkipUnmappableSources bool     `yaml:"skip_unmappable_sources"`
	// TLSInsecureSkipVerify disables certificate verification on the shared
	// transport for every source. It exists for trusted internal hosts with
	// self-signed or otherwise unverifiable certificates (spec §4.3's
	// trusted-host allow-list) and defaults to false.
	TLSInsecureSkipVerify bool `yaml:"tls_insecure_skip_verify"`
	// CRSOverrideAuthorities is consulted by the TiledCollection handler
	// (spec §4.5.4). Left empty by default; extending it is an explicit
	// operator decision, not an inferred one (spec §9 Open Question).
	CRSOverrideAuthorities []string `yaml:"crs_override_authorities"`
}

// GlobalBBox returns the process-wide bbox, if configured.
func (g GlobalSettings) GlobalBBox() *model.BBox {
	if len(g.GlobalBBoxCoords) != 4 {
		return nil
	}
	b := model.BBox{
		XMin: g.GlobalBBoxCoords[0],
		YMin: g.GlobalBBoxCoords[1],
		XMax: g.GlobalBBoxCoords[2],
		YMax: g.GlobalBBoxCoords[3],
		CRS:  g.GlobalBBoxCRSURI,
	}
	return &b
}

// NameMapping is one entry of the optional name-mapping override document.
// Consumed opaquely: the core only carries it through to StagedEntry.
type NameMapping struct {
	StagingFC   string `yaml:"staging_fc"`
	SDEFC       string `yaml:"sde_fc"`
	SDEDataset  string `yaml:"sde_dataset"`
	Enabled     bool   `yaml:"enabled"`
	Description string `yaml:"description"`
	Schema      string `yaml:"schema"`
}

// rawSource is the typed view of a source-inventory record used to decode
// recognized keys; unrecognized keys are captured separately as Extra.
type rawSource struct {
	Name           string   `yaml:"name"`
	Authority      string   `yaml:"authority"`
	Type           string   `yaml:"type"`
	URL            string   `yaml:"url"`
	Enabled        *bool    `yaml:"enabled"`
	StagedDataType string   `yaml:"staged_data_type"`
	Include        []string `yaml:"include"`
	DownloadFormat string   `yaml:"download_format"`
	Raw            map[string]any `yaml:"raw"`
}

// ValidationError reports a source rejected at load time; the source is
// excluded from the run but the run as a whole does not abort (spec §4.2).
type ValidationError struct {
	SourceName string
	Reason     string
}

func (e *ValidationError) Error() string {
	return "source " + e.SourceName + ": " + e.Reason
}

// ConfigError reports a malformed document; this aborts the run (spec §7,
// exit code 1).
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	return "config error in " + e.Path + ": " + e.Err.Error()
}

func (e *ConfigError) Unwrap() error { return e.Err }
