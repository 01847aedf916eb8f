package summary

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFinalizeCountsLastEventPerSource(t *testing.T) {
	s := New()
	s.Record("a", PhaseDownload, StatusOK, "downloaded")
	s.Record("a", PhaseStage, StatusOK, "staged")
	s.Record("b", PhaseDownload, StatusOK, "downloaded")
	s.Record("b", PhaseStage, StatusFailed, "bad archive")
	s.Record("c", PhaseStage, StatusSkippedCancelled, "cancelled")

	report := s.Finalize()
	require.Len(t, report.PerSource, 3)
	require.Equal(t, 1, report.Totals.Staged)
	require.Equal(t, 1, report.Totals.Failed)
	require.Equal(t, 1, report.Totals.Skipped)
	require.Equal(t, 2, report.Totals.Downloaded)
}

func TestFinalizeOneRecordPerSource(t *testing.T) {
	s := New()
	s.Record("a", PhaseStage, StatusOK, "first")
	s.Record("a", PhaseStage, StatusOK, "second")
	report := s.Finalize()
	require.Len(t, report.PerSource, 1)
}

func TestEmptySummaryFinalizesClean(t *testing.T) {
	s := New()
	report := s.Finalize()
	require.Empty(t, report.PerSource)
	require.Equal(t, Totals{}, report.Totals)
}
