package staging

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/1kimnet/ETL-pipeline/internal/model"
)

func testSource(t *testing.T) model.SourceDescriptor {
	t.Helper()
	return model.SourceDescriptor{ID: "lst_roads", Name: "roads", Authority: "lst"}
}

func writeZip(t *testing.T, dir string, members map[string]string) string {
	t.Helper()
	path := filepath.Join(dir, "in.zip")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	zw := zip.NewWriter(f)
	for name, content := range members {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return path
}

func TestStageArchiveOfSplitVectorExtractsCompletePrimary(t *testing.T) {
	tmp := t.TempDir()
	zipPath := writeZip(t, tmp, map[string]string{
		"roads.shp": "shp-bytes",
		"roads.shx": "shx-bytes",
		"roads.dbf": "dbf-bytes",
	})

	m := NewMaterializer(filepath.Join(tmp, "out"), NewNameRegistry(), nil)
	entries, err := m.Stage(testSource(t), model.RawArtifact{
		SourceID:       "lst_roads",
		PayloadPath:    zipPath,
		DeclaredFormat: model.StagedArchiveOfSplitVector,
	})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, model.StagedSplitVector, entries[0].Format)
	require.FileExists(t, entries[0].Path)
}

func TestStageArchiveOfSplitVectorTriesSiblingPrimary(t *testing.T) {
	tmp := t.TempDir()
	zipPath := writeZip(t, tmp, map[string]string{
		"broken.shp":  "shp-bytes",
		"complete.shp": "shp-bytes",
		"complete.shx": "shx-bytes",
		"complete.dbf": "dbf-bytes",
	})

	m := NewMaterializer(filepath.Join(tmp, "out"), NewNameRegistry(), nil)
	entries, err := m.Stage(testSource(t), model.RawArtifact{
		SourceID:       "lst_roads",
		PayloadPath:    zipPath,
		DeclaredFormat: model.StagedArchiveOfSplitVector,
	})
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestStageArchiveOfSplitVectorFailsWithoutCompanions(t *testing.T) {
	tmp := t.TempDir()
	zipPath := writeZip(t, tmp, map[string]string{
		"roads.shp": "shp-bytes",
	})

	m := NewMaterializer(filepath.Join(tmp, "out"), NewNameRegistry(), nil)
	_, err := m.Stage(testSource(t), model.RawArtifact{
		SourceID:       "lst_roads",
		PayloadPath:    zipPath,
		DeclaredFormat: model.StagedArchiveOfSplitVector,
	})
	require.Error(t, err)
	require.FileExists(t, zipPath+".bad")
}

func TestStageJSONVectorDetectsDominantGeometry(t *testing.T) {
	tmp := t.TempDir()
	src := filepath.Join(tmp, "in.json")
	require.NoError(t, os.WriteFile(src, []byte(`{
		"type": "FeatureCollection",
		"features": [
			{"type": "Feature", "geometry": {"type": "Point"}},
			{"type": "Feature", "geometry": {"type": "Point"}}
		]
	}`), 0o644))

	m := NewMaterializer(filepath.Join(tmp, "out"), NewNameRegistry(), nil)
	entries, err := m.Stage(testSource(t), model.RawArtifact{
		SourceID:       "lst_roads",
		PayloadPath:    src,
		DeclaredFormat: model.StagedJSONVector,
		DeclaredCRS:    "EPSG:3857",
	})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "point", entries[0].DominantGeom)
	require.Equal(t, 2, entries[0].FeatureCount)
	require.FileExists(t, entries[0].Path)
}

func TestStageJSONVectorRejectsMalformedTopLevel(t *testing.T) {
	tmp := t.TempDir()
	src := filepath.Join(tmp, "in.json")
	require.NoError(t, os.WriteFile(src, []byte(`{"type": "Polygon"}`), 0o644))

	m := NewMaterializer(filepath.Join(tmp, "out"), NewNameRegistry(), nil)
	_, err := m.Stage(testSource(t), model.RawArtifact{
		SourceID:       "lst_roads",
		PayloadPath:    src,
		DeclaredFormat: model.StagedJSONVector,
	})
	require.Error(t, err)
}

func TestStageAssignsCollisionFreeNamesAcrossArtifacts(t *testing.T) {
	tmp := t.TempDir()
	registry := NewNameRegistry()
	m := NewMaterializer(filepath.Join(tmp, "out"), registry, nil)
	source := testSource(t)

	makeJSON := func(name string) string {
		path := filepath.Join(tmp, name)
		require.NoError(t, os.WriteFile(path, []byte(`{"type":"FeatureCollection","features":[]}`), 0o644))
		return path
	}

	e1, err := m.Stage(source, model.RawArtifact{SourceID: source.ID, PayloadPath: makeJSON("a.json"), DeclaredFormat: model.StagedJSONVector})
	require.NoError(t, err)
	e2, err := m.Stage(source, model.RawArtifact{SourceID: source.ID, PayloadPath: makeJSON("b.json"), DeclaredFormat: model.StagedJSONVector})
	require.NoError(t, err)

	require.NotEqual(t, e1[0].CanonicalName, e2[0].CanonicalName)
}
