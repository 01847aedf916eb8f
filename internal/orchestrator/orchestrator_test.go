package orchestrator

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/1kimnet/ETL-pipeline/internal/handlers"
	"github.com/1kimnet/ETL-pipeline/internal/model"
	"github.com/1kimnet/ETL-pipeline/internal/staging"
	"github.com/1kimnet/ETL-pipeline/internal/summary"
)

type fakeHandler struct {
	artifacts []model.RawArtifact
	failures  []model.FetchFailure
	err       error
}

func (f *fakeHandler) Fetch(ctx context.Context, source model.SourceDescriptor, stagingRoot string) ([]model.RawArtifact, []model.FetchFailure, error) {
	return f.artifacts, f.failures, f.err
}

func writeJSONArtifact(t *testing.T, dir, name string) model.RawArtifact {
	t.Helper()
	path := dir + "/" + name
	require.NoError(t, os.WriteFile(path, []byte(`{"type":"FeatureCollection","features":[]}`), 0o644))
	return model.RawArtifact{PayloadPath: path, DeclaredFormat: model.StagedJSONVector}
}

func TestRunStagesAllEnabledSourcesSuccessfully(t *testing.T) {
	tmp := t.TempDir()
	registry := staging.NewNameRegistry()
	mat := staging.NewMaterializer(tmp+"/staging", registry, nil)
	sum := summary.New()

	a1 := writeJSONArtifact(t, tmp, "a.json")
	a2 := writeJSONArtifact(t, tmp, "b.json")

	handlerOf := func(kind model.SourceKind) handlers.Handler {
		switch kind {
		case "kind-a":
			return &fakeHandler{artifacts: []model.RawArtifact{a1}}
		default:
			return &fakeHandler{artifacts: []model.RawArtifact{a2}}
		}
	}

	o := New(Config{Workers: 2, StagingRoot: tmp + "/staging", MaxPipelineFailures: 5}, handlerOf, mat, nil, sum)
	sources := []model.SourceDescriptor{
		{ID: "s1", Name: "s1", Authority: "A", Kind: "kind-a", Enabled: true},
		{ID: "s2", Name: "s2", Authority: "A", Kind: "kind-b", Enabled: true},
	}

	err := o.Run(context.Background(), sources)
	require.NoError(t, err)

	report := sum.Finalize()
	require.Equal(t, 2, report.Totals.Staged)
}

func TestRunSkipsDisabledSources(t *testing.T) {
	tmp := t.TempDir()
	mat := staging.NewMaterializer(tmp+"/staging", staging.NewNameRegistry(), nil)
	sum := summary.New()

	handlerOf := func(kind model.SourceKind) handlers.Handler {
		return &fakeHandler{err: errors.New("should not be called")}
	}

	o := New(Config{Workers: 1, StagingRoot: tmp + "/staging"}, handlerOf, mat, nil, sum)
	sources := []model.SourceDescriptor{{ID: "s1", Enabled: false}}

	err := o.Run(context.Background(), sources)
	require.NoError(t, err)
	require.Empty(t, sum.Finalize().PerSource)
}

func TestRunExceedsFailureBudget(t *testing.T) {
	tmp := t.TempDir()
	mat := staging.NewMaterializer(tmp+"/staging", staging.NewNameRegistry(), nil)
	sum := summary.New()

	handlerOf := func(kind model.SourceKind) handlers.Handler {
		return &fakeHandler{err: errors.New("boom")}
	}

	o := New(Config{Workers: 1, StagingRoot: tmp + "/staging", MaxPipelineFailures: 0}, handlerOf, mat, nil, sum)
	sources := []model.SourceDescriptor{
		{ID: "s1", Enabled: true, Kind: "kind-a"},
		{ID: "s2", Enabled: true, Kind: "kind-a"},
	}

	err := o.Run(context.Background(), sources)
	require.ErrorIs(t, err, ErrFailureBudgetExceeded)
}

func TestRunRecordsPartialWhenSomeArtifactsFailStaging(t *testing.T) {
	tmp := t.TempDir()
	mat := staging.NewMaterializer(tmp+"/staging", staging.NewNameRegistry(), nil)
	sum := summary.New()

	good := writeJSONArtifact(t, tmp, "good.json")
	bad := model.RawArtifact{PayloadPath: tmp + "/missing.json", DeclaredFormat: model.StagedJSONVector}

	handlerOf := func(kind model.SourceKind) handlers.Handler {
		return &fakeHandler{artifacts: []model.RawArtifact{good, bad}}
	}

	o := New(Config{Workers: 1, StagingRoot: tmp + "/staging", MaxPipelineFailures: 5}, handlerOf, mat, nil, sum)
	sources := []model.SourceDescriptor{{ID: "s1", Name: "s1", Authority: "A", Enabled: true, Kind: "kind-a"}}

	err := o.Run(context.Background(), sources)
	require.NoError(t, err)
	require.Equal(t, 1, sum.Finalize().Totals.Partial)
}

func TestRunRecordsPartialWhenSomeSubResourcesFailToFetch(t *testing.T) {
	tmp := t.TempDir()
	mat := staging.NewMaterializer(tmp+"/staging", staging.NewNameRegistry(), nil)
	sum := summary.New()

	good := writeJSONArtifact(t, tmp, "good.json")

	handlerOf := func(kind model.SourceKind) handlers.Handler {
		return &fakeHandler{
			artifacts: []model.RawArtifact{good},
			failures:  []model.FetchFailure{{SubResourceID: "layer_1", Err: errors.New("boom")}},
		}
	}

	o := New(Config{Workers: 1, StagingRoot: tmp + "/staging", MaxPipelineFailures: 5}, handlerOf, mat, nil, sum)
	sources := []model.SourceDescriptor{{ID: "s1", Name: "s1", Authority: "A", Enabled: true, Kind: "kind-a"}}

	err := o.Run(context.Background(), sources)
	require.NoError(t, err)
	require.Equal(t, 1, sum.Finalize().Totals.Partial)
}

func TestRunHonorsSourceTimeout(t *testing.T) {
	tmp := t.TempDir()
	mat := staging.NewMaterializer(tmp+"/staging", staging.NewNameRegistry(), nil)
	sum := summary.New()

	slow := &slowHandler{}
	handlerOf := func(kind model.SourceKind) handlers.Handler { return slow }

	o := New(Config{Workers: 1, StagingRoot: tmp + "/staging", SourceTimeout: 10 * time.Millisecond}, handlerOf, mat, nil, sum)
	sources := []model.SourceDescriptor{{ID: "s1", Enabled: true, Kind: "kind-a"}}

	err := o.Run(context.Background(), sources)
	require.NoError(t, err)
	require.Equal(t, summary.StatusSkippedCancelled, sum.Finalize().PerSource[0].Status)
}

type slowHandler struct{}

func (s *slowHandler) Fetch(ctx context.Context, source model.SourceDescriptor, stagingRoot string) ([]model.RawArtifact, []model.FetchFailure, error) {
	<-ctx.Done()
	return nil, nil, ctx.Err()
}
