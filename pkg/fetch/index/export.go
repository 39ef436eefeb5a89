package index

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// Export artifact names. The JSON files hold the raw tables, the CSV files a
// flat row-per-mapping rendition of the same data.
const (
	exportURLJSON   = "url_to_md5.json"
	exportURLCSV    = "url_to_md5.csv"
	exportPathsJSON = "md5_to_paths.json"
	exportPathsCSV  = "md5_to_paths.csv"
	exportETagJSON  = "etag_to_md5.json"
	exportETagCSV   = "etag_to_md5.csv"
)

// ExportJSON writes the dump's URL, path and ETag tables into dir as
// indented JSON files and returns the paths written.
func ExportJSON(dump Dump, dir string) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create export dir: %w", err)
	}

	var written []string
	write := func(name string, v interface{}) error {
		path := filepath.Join(dir, name)
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Errorf("encode %s: %w", name, err)
		}
		if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
		written = append(written, path)
		return nil
	}

	if err := write(exportURLJSON, dump.URLs); err != nil {
		return nil, err
	}
	if err := write(exportPathsJSON, dump.Paths); err != nil {
		return nil, err
	}
	if err := write(exportETagJSON, dump.ETags); err != nil {
		return nil, err
	}
	return written, nil
}

// ExportCSV writes the same three tables as CSV files with header rows and
// returns the paths written.
func ExportCSV(dump Dump, dir string) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create export dir: %w", err)
	}

	var written []string
	write := func(name string, header []string, rows [][]string) error {
		path := filepath.Join(dir, name)
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("create %s: %w", name, err)
		}
		w := csv.NewWriter(f)
		if err := w.Write(header); err != nil {
			_ = f.Close()
			return fmt.Errorf("write %s header: %w", name, err)
		}
		if err := w.WriteAll(rows); err != nil {
			_ = f.Close()
			return fmt.Errorf("write %s rows: %w", name, err)
		}
		w.Flush()
		if err := w.Error(); err != nil {
			_ = f.Close()
			return fmt.Errorf("flush %s: %w", name, err)
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("close %s: %w", name, err)
		}
		written = append(written, path)
		return nil
	}

	if err := write(exportURLCSV, []string{"url", "md5"}, mappingRows(dump.URLs)); err != nil {
		return nil, err
	}
	if err := write(exportPathsCSV, []string{"md5", "path"}, pathRows(dump.Paths)); err != nil {
		return nil, err
	}
	if err := write(exportETagCSV, []string{"etag", "md5"}, mappingRows(dump.ETags)); err != nil {
		return nil, err
	}
	return written, nil
}

func mappingRows(table map[string]string) [][]string {
	keys := make([]string, 0, len(table))
	for k := range table {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	rows := make([][]string, 0, len(keys))
	for _, k := range keys {
		rows = append(rows, []string{k, table[k]})
	}
	return rows
}

// pathRows emits one row per recorded copy, preserving per-hash path order.
func pathRows(paths map[string][]string) [][]string {
	hashes := make([]string, 0, len(paths))
	for h := range paths {
		hashes = append(hashes, h)
	}
	sort.Strings(hashes)

	var rows [][]string
	for _, h := range hashes {
		for _, p := range paths[h] {
			rows = append(rows, []string{h, p})
		}
	}
	return rows
}
