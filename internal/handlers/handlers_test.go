package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/1kimnet/ETL-pipeline/internal/httpx"
	"github.com/1kimnet/ETL-pipeline/internal/model"
	"github.com/1kimnet/ETL-pipeline/internal/retry"
)

func testDeps(t *testing.T) Deps {
	t.Helper()
	httpx.ResetForTest()
	return Deps{
		Transport: httpx.NewTransport(5*time.Second, 4, 0),
		Policy:    retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, BackoffFactor: 1, MaxDelay: time.Millisecond},
		Breakers:  retry.NewBreakerTable(5, time.Minute),
	}
}

func TestDirectFileHandlerDownloadsSingleResource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Disposition", `attachment; filename="a.zip"`)
		w.Write([]byte("zip-bytes"))
	}))
	defer srv.Close()

	source := model.SourceDescriptor{
		ID: "a_src1", Name: "src1", Authority: "A", Kind: model.KindDirectFile,
		URL: srv.URL, StagedKind: model.StagedArchiveOfSplitVector,
	}

	h := &DirectFileHandler{Deps: testDeps(t)}
	tmp := t.TempDir()
	artifacts, _, err := h.Fetch(t.Context(), source, tmp)
	require.NoError(t, err)
	require.Len(t, artifacts, 1)
	require.FileExists(t, artifacts[0].PayloadPath)
}

func TestDirectFileHandlerSkipsExistingDestination(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte("data"))
	}))
	defer srv.Close()

	source := model.SourceDescriptor{
		ID: "a_src1", Name: "src1", Authority: "A", Kind: model.KindDirectFile,
		URL: srv.URL, StagedKind: model.StagedJSONVector,
	}

	tmp := t.TempDir()
	destDir := filepath.Join(tmp, "A", "a_src1")
	require.NoError(t, os.MkdirAll(destDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(destDir, "existing.json"), []byte("{}"), 0o644))

	h := &DirectFileHandler{Deps: testDeps(t)}
	artifacts, _, err := h.Fetch(t.Context(), source, tmp)
	require.NoError(t, err)
	require.Len(t, artifacts, 1)
	require.Equal(t, 0, calls)
	require.Contains(t, artifacts[0].Notes, "skipped: destination already exists")
}

func TestDirectFileHandlerWithIncludeDownloadsOnce(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte("zip-bytes"))
	}))
	defer srv.Close()

	source := model.SourceDescriptor{
		ID: "a_src1", Name: "src1", Authority: "A", Kind: model.KindDirectFile,
		URL: srv.URL, StagedKind: model.StagedArchiveOfSplitVector,
		Include: []string{"roads", "rivers"},
	}

	h := &DirectFileHandler{Deps: testDeps(t)}
	artifacts, failures, err := h.Fetch(t.Context(), source, t.TempDir())
	require.NoError(t, err)
	require.Empty(t, failures)
	require.Equal(t, 1, calls)
	require.Len(t, artifacts, 2)
	require.Equal(t, "roads", artifacts[0].SubResourceID)
	require.Equal(t, "rivers", artifacts[1].SubResourceID)
	require.Equal(t, artifacts[0].PayloadPath, artifacts[1].PayloadPath)
}

func TestFeedHandlerReportsPerEntryFailures(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/feed.xml", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<feed>
			<entry><link href="/ok.json"/></entry>
			<entry><link href="/missing.json"/></entry>
		</feed>`))
	})
	mux.HandleFunc("/ok.json", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("{}")) })
	mux.HandleFunc("/missing.json", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNotFound) })
	srv := httptest.NewServer(mux)
	defer srv.Close()

	source := model.SourceDescriptor{
		ID: "a_src1", Name: "src1", Authority: "A", Kind: model.KindFeed,
		URL: srv.URL + "/feed.xml", StagedKind: model.StagedJSONVector,
	}

	h := &FeedHandler{Deps: testDeps(t)}
	artifacts, failures, err := h.Fetch(t.Context(), source, t.TempDir())
	require.NoError(t, err)
	require.Len(t, artifacts, 1)
	require.Len(t, failures, 1)
	require.Equal(t, "entry_1", failures[0].SubResourceID)
}

func TestFeedHandlerDedupsURLs(t *testing.T) {
	downloads := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/feed.xml", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<feed>
			<entry><link href="/item1.json"/></entry>
			<entry><link href="/item1.json"/></entry>
			<entry><link href="/item2.json"/></entry>
		</feed>`))
	})
	mux.HandleFunc("/item1.json", func(w http.ResponseWriter, r *http.Request) { downloads++; w.Write([]byte("{}")) })
	mux.HandleFunc("/item2.json", func(w http.ResponseWriter, r *http.Request) { downloads++; w.Write([]byte("{}")) })
	srv := httptest.NewServer(mux)
	defer srv.Close()

	source := model.SourceDescriptor{
		ID: "a_src1", Name: "src1", Authority: "A", Kind: model.KindFeed,
		URL: srv.URL + "/feed.xml", StagedKind: model.StagedJSONVector,
	}

	h := &FeedHandler{Deps: testDeps(t)}
	artifacts, _, err := h.Fetch(t.Context(), source, t.TempDir())
	require.NoError(t, err)
	require.Len(t, artifacts, 2)
	require.Equal(t, 2, downloads)
}

func TestTiledQueryHandlerPaginatesUntilShortPage(t *testing.T) {
	page := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("f") == "json" && r.URL.Query().Get("resultOffset") == "" {
			json.NewEncoder(w).Encode(serviceMetadata{Layers: []layerMetadata{{ID: 0, MaxRecordCount: 2}}})
			return
		}
		defer func() { page++ }()
		switch page {
		case 0:
			json.NewEncoder(w).Encode(queryPage{Features: []json.RawMessage{[]byte(`{}`), []byte(`{}`)}, ExceededTransferLimit: true})
		default:
			json.NewEncoder(w).Encode(queryPage{Features: []json.RawMessage{[]byte(`{}`)}, ExceededTransferLimit: false})
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	source := model.SourceDescriptor{
		ID: "a_src1", Name: "src1", Authority: "A", Kind: model.KindTiledQuery,
		URL: srv.URL, StagedKind: model.StagedJSONVector,
	}

	h := &TiledQueryHandler{Deps: testDeps(t)}
	artifacts, _, err := h.Fetch(t.Context(), source, t.TempDir())
	require.NoError(t, err)
	require.Len(t, artifacts, 1)

	data, err := os.ReadFile(artifacts[0].PayloadPath)
	require.NoError(t, err)
	var doc struct {
		Features []json.RawMessage `json:"features"`
	}
	require.NoError(t, json.Unmarshal(data, &doc))
	require.Len(t, doc.Features, 3)
}

func TestTiledCollectionHandlerFollowsNextLinks(t *testing.T) {
	nextFollowed := false
	mux := http.NewServeMux()
	mux.HandleFunc("/collections", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(collectionsIndex{Collections: []collectionMeta{{ID: "roads", StorageCRS: "EPSG:3006"}}})
	})
	mux.HandleFunc("/collections/roads/items", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "2" {
			nextFollowed = true
			fmt.Fprintf(w, `{"features":[],"links":[]}`)
			return
		}
		fmt.Fprintf(w, `{"features":[{"geometry":{"coordinates":[1,2]}}],"links":[{"rel":"next","href":"/collections/roads/items?page=2"}]}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	source := model.SourceDescriptor{
		ID: "a_roads", Name: "roads", Authority: "A", Kind: model.KindTiledCollection,
		URL: srv.URL, StagedKind: model.StagedJSONVector,
		Extra: map[string]any{"collections": []any{"roads"}},
	}

	deps := testDeps(t)
	deps.CRSOverrideAuthorities = []string{"A"}
	h := &TiledCollectionHandler{Deps: deps}

	artifacts, _, err := h.Fetch(t.Context(), source, t.TempDir())
	require.NoError(t, err)
	require.Len(t, artifacts, 1)
	require.True(t, nextFollowed)
	require.Equal(t, "EPSG:4326", artifacts[0].DeclaredCRS)
}
