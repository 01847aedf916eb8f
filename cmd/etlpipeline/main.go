// Command etlpipeline runs the ingestion-and-staging engine: it loads the
// three configuration documents, drives the orchestrator across the
// configured source inventory, and prints a run summary.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/1kimnet/ETL-pipeline/internal/config"
	"github.com/1kimnet/ETL-pipeline/internal/handlers"
	"github.com/1kimnet/ETL-pipeline/internal/httpx"
	"github.com/1kimnet/ETL-pipeline/internal/logging"
	"github.com/1kimnet/ETL-pipeline/internal/model"
	"github.com/1kimnet/ETL-pipeline/internal/orchestrator"
	"github.com/1kimnet/ETL-pipeline/internal/retry"
	"github.com/1kimnet/ETL-pipeline/internal/staging"
	"github.com/1kimnet/ETL-pipeline/internal/summary"
)

// Exit codes (spec §6).
const (
	exitOK              = 0
	exitConfigError     = 1
	exitCancelled       = 2
	exitBudgetExceeded  = 3
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("etlpipeline", flag.ContinueOnError)
	globalPath := fs.String("global", "config/global.yaml", "path to the global settings document")
	inventoryPath := fs.String("inventory", "config/inventory.yaml", "path to the source inventory document")
	mappingsPath := fs.String("mappings", "", "optional path to the name-mapping overrides document")
	jsonLog := fs.Bool("json-log", false, "emit JSONL events to stderr in addition to the console summary")
	if err := fs.Parse(args); err != nil {
		return exitConfigError
	}

	global, err := config.LoadGlobalSettings(*globalPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfigError
	}

	loadResult, err := config.LoadInventory(*inventoryPath, global)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfigError
	}
	for _, rejected := range loadResult.Rejected {
		fmt.Fprintln(os.Stderr, "rejected:", rejected)
	}

	nameMappings, err := config.LoadNameMappings(*mappingsPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfigError
	}

	console := logging.NewConsoleLogger(os.Stdout, isTerminal() && os.Getenv("NO_COLOR") == "")
	var log logging.Logger = console
	if *jsonLog {
		log = logging.Fanout{console, logging.NewJSONLLogger(os.Stderr)}
	}

	if err := orchestrator.CleanupBeforeRun(global.Paths.Downloads, global.Paths.Staging, global.CleanupDownloads, global.CleanupStaging); err != nil {
		fmt.Fprintln(os.Stderr, "cleanup:", err)
		return exitConfigError
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	httpx.Configure(httpx.PoolConfig{InsecureSkipVerify: global.TLSInsecureSkipVerify})
	transport := httpx.NewTransport(global.Retry.Timeout.Value(), global.PerHostConcurrency, global.Processing.ChunkSize)
	breakers := retry.NewBreakerTable(global.Retry.CircuitBreakerThreshold, global.Retry.CircuitBreakerTimeout.Value())
	policy := retry.Policy{
		MaxAttempts:   global.Retry.MaxAttempts,
		BaseDelay:     global.Retry.BaseDelay.Value(),
		BackoffFactor: global.Retry.BackoffFactor,
		MaxDelay:      global.Retry.MaxDelay.Value(),
	}
	deps := handlers.Deps{
		Transport:              transport,
		Policy:                 policy,
		Breakers:               breakers,
		Log:                    log,
		CRSOverrideAuthorities: global.CRSOverrideAuthorities,
	}

	registry := staging.NewNameRegistry()
	mat := staging.NewMaterializer(global.Paths.Staging, registry, log)
	mat.SetMappings(toStagingMappings(nameMappings), global.SkipUnmappableSources)
	sum := summary.New()

	orch := orchestrator.New(orchestrator.Config{
		Workers:             global.Processing.ParallelWorkers,
		SourceTimeout:        global.SourceTimeout.Value(),
		MaxPipelineFailures: global.MaxPipelineFailures,
		StagingRoot:         global.Paths.Staging,
	}, func(kind model.SourceKind) handlers.Handler {
		return handlers.ForKind(kind, deps)
	}, mat, log, sum)

	runErr := orch.Run(ctx, loadResult.Sources)

	report := sum.Finalize()
	printReport(report)

	switch {
	case runErr == nil:
		return exitOK
	case runErr == orchestrator.ErrFailureBudgetExceeded:
		return exitBudgetExceeded
	case ctx.Err() != nil:
		return exitCancelled
	default:
		return exitCancelled
	}
}

func printReport(report summary.Report) {
	fmt.Printf("run complete in %s: downloaded=%d staged=%d skipped=%d failed=%d partial=%d\n",
		report.WallTime.Round(time.Millisecond),
		report.Totals.Downloaded, report.Totals.Staged, report.Totals.Skipped, report.Totals.Failed, report.Totals.Partial)
	for _, outcome := range report.PerSource {
		fmt.Printf("  %-30s %-18s %s\n", outcome.SourceID, outcome.Status, outcome.Detail)
	}
}

// toStagingMappings adapts config.NameMapping (the document shape) to
// staging.NameMapping (the lookup shape the materializer consumes), per
// spec §4.2's "consumed opaquely by the downstream loader" framing for the
// sde_fc/sde_dataset fields.
func toStagingMappings(mappings []config.NameMapping) []staging.NameMapping {
	out := make([]staging.NameMapping, 0, len(mappings))
	for _, mp := range mappings {
		out = append(out, staging.NameMapping{
			StagingFC:  mp.StagingFC,
			SDEFC:      mp.SDEFC,
			SDEDataset: mp.SDEDataset,
		})
	}
	return out
}

func isTerminal() bool {
	info, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
