package handlers

import (
	"archive/zip"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/1kimnet/ETL-pipeline/internal/logging"
	"github.com/1kimnet/ETL-pipeline/internal/model"
	"github.com/1kimnet/ETL-pipeline/internal/naming"
	"github.com/1kimnet/ETL-pipeline/internal/retry"
)

// feedDoc is a permissive Atom/RSS-shaped document: entries carry either a
// link element or an enclosure, and either attribute name is accepted since
// real-world feeds mix the two vocabularies.
type feedDoc struct {
	Entries []feedEntry `xml:"entry"`
	Items   []feedEntry `xml:"channel>item"`
}

type feedEntry struct {
	Link      feedLink   `xml:"link"`
	Enclosure feedLink   `xml:"enclosure"`
}

type feedLink struct {
	Href string `xml:"href,attr"`
	URL  string `xml:"url,attr"`
	Text string `xml:",chardata"`
}

func (l feedLink) resolve() string {
	switch {
	case l.Href != "":
		return l.Href
	case l.URL != "":
		return l.URL
	default:
		return strings.TrimSpace(l.Text)
	}
}

func (e feedEntry) url() string {
	if u := e.Enclosure.resolve(); u != "" {
		return u
	}
	return e.Link.resolve()
}

// FeedHandler fetches a feed document, enumerates entries, and downloads
// each entry's unique enclosure/link URL (spec §4.5.2).
type FeedHandler struct {
	Deps
}

func (h *FeedHandler) Fetch(ctx context.Context, source model.SourceDescriptor, stagingRoot string) ([]model.RawArtifact, []model.FetchFailure, error) {
	destDir := filepath.Join(stagingRoot, source.Authority, source.ID)

	key := breakerKey(source.URL, source.Kind)
	var body []byte
	err := retry.Attempt(ctx, h.Policy, h.Breakers, key, h.log(), func(ctx context.Context) error {
		resp, err := h.Transport.Get(ctx, source.URL, nil, "application/xml")
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
		return nil, nil, fmt.Errorf("feed %s: fetch feed document: %w", source.ID, err)
	}

	var doc feedDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return nil, nil, fmt.Errorf("feed %s: malformed feed document: %w", source.ID, err)
	}

	entries := doc.Entries
	if len(entries) == 0 {
		entries = doc.Items
	}

	seen := map[string]bool{}
	var artifacts []model.RawArtifact
	var failures []model.FetchFailure
	for i, entry := range entries {
		if ctx.Err() != nil {
			return artifacts, failures, ctx.Err()
		}
		url := entry.url()
		if url == "" {
			continue
		}
		if resolved, err := resolveRelative(source.URL, url); err == nil {
			url = resolved
		}
		if seen[url] {
			h.log().Log(logging.With(logging.With(logging.Event("feed", "info", "duplicate url skipped"), "source_id", source.ID), "url", url))
			continue
		}
		seen[url] = true

		subID := fmt.Sprintf("entry_%d", i)
		artifact, err := h.fetchEntry(ctx, source, destDir, url, i)
		if err != nil {
			failures = append(failures, model.FetchFailure{SubResourceID: subID, Err: err})
			h.log().Log(logging.With(logging.With(logging.Event("feed", "error", err.Error()), "source_id", source.ID), "url", url))
			continue
		}
		artifacts = append(artifacts, artifact)
	}

	if len(artifacts) == 0 && len(failures) > 0 {
		return nil, failures, fmt.Errorf("feed %s: every entry failed", source.ID)
	}
	return artifacts, failures, nil
}

func (h *FeedHandler) fetchEntry(ctx context.Context, source model.SourceDescriptor, destDir, url string, index int) (model.RawArtifact, error) {
	key := breakerKey(url, source.Kind)
	var finalPath string
	err := retry.Attempt(ctx, h.Policy, h.Breakers, key, h.log(), func(ctx context.Context) error {
		path, err := h.Transport.DownloadToFile(ctx, url, nil, destDir, defaultExt(source.StagedKind))
		if err != nil {
			return err
		}
		finalPath = path
		return nil
	})
	if err != nil {
		return model.RawArtifact{}, err
	}

	subID := fmt.Sprintf("entry_%d", index)
	finalPath = flattenIfSingleMatchingContainer(finalPath, source, destDir, subID)

	return model.RawArtifact{
		SourceID:       source.ID,
		SubResourceID:  subID,
		PayloadPath:    finalPath,
		DeclaredFormat: source.StagedKind,
	}, nil
}

// flattenIfSingleMatchingContainer renames a lone downloaded container file
// to the canonicalized source id when the source's stagedKind names a
// single-file container format (spec §4.5.2). When the download is itself a
// zip, it is opened to check whether it contains exactly one
// container-format member; if so that member is extracted and flattened,
// otherwise the archive is left untouched for the staging materializer.
func flattenIfSingleMatchingContainer(path string, source model.SourceDescriptor, destDir, subID string) string {
	if source.StagedKind != model.StagedContainerVector {
		return path
	}
	if strings.EqualFold(filepath.Ext(path), ".zip") {
		return flattenContainerInZip(path, source, destDir)
	}
	canonical := naming.Identifier(source.Authority + "_" + source.Name)
	renamed := filepath.Join(destDir, canonical+filepath.Ext(path))
	if renamed == path {
		return path
	}
	if err := os.Rename(path, renamed); err != nil {
		return path
	}
	return renamed
}

// flattenContainerInZip extracts the archive's sole container-format member
// to the canonical name and discards the archive wrapper (spec §4.5.2:
// "contains exactly one container-format file"). Archives with zero or
// multiple container members are left for staging to reject or pick apart.
func flattenContainerInZip(path string, source model.SourceDescriptor, destDir string) string {
	r, err := zip.OpenReader(path)
	if err != nil {
		return path
	}
	defer r.Close()

	var member *zip.File
	for _, f := range r.File {
		if !isContainerMember(f.Name) {
			continue
		}
		if member != nil {
			return path
		}
		member = f
	}
	if member == nil {
		return path
	}

	canonical := naming.Identifier(source.Authority + "_" + source.Name)
	dest := filepath.Join(destDir, canonical+filepath.Ext(member.Name))

	rc, err := member.Open()
	if err != nil {
		return path
	}
	defer rc.Close()

	out, err := os.Create(dest)
	if err != nil {
		return path
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return path
	}
	if err := out.Close(); err != nil {
		return path
	}
	_ = os.Remove(path)
	return dest
}

func isContainerMember(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".gpkg", ".sqlite", ".db":
		return true
	default:
		return false
	}
}
