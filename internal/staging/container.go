package staging

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/1kimnet/ETL-pipeline/internal/model"
	"github.com/1kimnet/ETL-pipeline/internal/naming"
)

// gpkgContentsQuery lists the user-facing feature/table names registered in
// a GeoPackage's gpkg_contents table (OGC GeoPackage §1.3).
const gpkgContentsQuery = `SELECT table_name FROM gpkg_contents`

// stageContainerVector opens a GeoPackage-style sqlite container read-only,
// enumerates its registered tables, filters by source.Include when present,
// and stages one StagedEntry per surviving table. A table named with a
// leading qualifier (e.g. "main.roads") is retried under its bare name if
// the qualified form is rejected as invalid by the driver (spec §4.6).
func (m *Materializer) stageContainerVector(source model.SourceDescriptor, artifact model.RawArtifact, dir string) ([]model.StagedEntry, error) {
	db, err := sql.Open("sqlite", "file:"+artifact.PayloadPath+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("open container: %w", err)
	}
	defer db.Close()

	tables, err := listContainerTables(db)
	if err != nil {
		return nil, err
	}
	if len(tables) == 0 {
		return nil, fmt.Errorf("container has no registered feature tables")
	}

	tables = filterIncluded(tables, source.Include)
	if len(tables) == 0 {
		return nil, fmt.Errorf("include filter matched no tables in container")
	}

	destPath := filepath.Join(dir, filepath.Base(artifact.PayloadPath))
	if err := copyFile(artifact.PayloadPath, destPath); err != nil {
		return nil, err
	}

	var entries []model.StagedEntry
	for _, table := range tables {
		count, err := countRows(db, table)
		if err != nil {
			count, err = countRows(db, bareName(table))
			if err != nil {
				continue
			}
		}

		logicalName := table
		canonical := m.names.Reserve(naming.Identifier(source.Authority+"_"+logicalName), naming.ResolveCollision)
		entryPath := destPath + "#" + table
		if err := writeMeta(entryPath+".meta", model.StagedContainerVector, artifact.DeclaredCRS, count, artifact.Partial); err != nil {
			continue
		}
		entries = append(entries, model.StagedEntry{
			SourceID:      source.ID,
			Authority:     source.Authority,
			CanonicalName: canonical,
			Path:          entryPath,
			Format:        model.StagedContainerVector,
			CRS:           artifact.DeclaredCRS,
			FeatureCount:  count,
			Partial:       artifact.Partial,
		})
	}

	if len(entries) == 0 {
		_ = os.Remove(destPath)
		return nil, fmt.Errorf("no table in container could be enumerated")
	}
	return entries, nil
}

func listContainerTables(db *sql.DB) ([]string, error) {
	rows, err := db.Query(gpkgContentsQuery)
	if err != nil {
		return nil, fmt.Errorf("not a recognizable GeoPackage container: %w", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

func countRows(db *sql.DB, table string) (int, error) {
	var count int
	query := fmt.Sprintf(`SELECT COUNT(*) FROM "%s"`, table)
	if err := db.QueryRow(query).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func bareName(table string) string {
	if i := strings.LastIndex(table, "."); i >= 0 {
		return table[i+1:]
	}
	return table
}

func filterIncluded(tables []string, include []string) []string {
	if len(include) == 0 {
		return tables
	}
	allowed := map[string]bool{}
	for _, i := range include {
		allowed[i] = true
	}
	var out []string
	for _, t := range tables {
		if allowed[t] || allowed[bareName(t)] {
			out = append(out, t)
		}
	}
	return out
}
