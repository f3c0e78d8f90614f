// Package mtx loads a droplet-based scRNA-seq count matrix from the usual
// triplet of files: a Matrix-Market sparse matrix plus feature and barcode
// identifier lists. Inputs may be plain, gzip- or zstd-compressed.
package mtx

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cellanchor/pipeline/internal/data"
	"github.com/cellanchor/pipeline/internal/dataset"
)

// Paths names the three inputs of a Matrix-Market dataset.
type Paths struct {
	Matrix   string
	Features string
	Barcodes string
}

// DirPaths resolves the conventional file names inside dir, preferring
// gzip-compressed variants when both exist.
func DirPaths(dir string) Paths {
	return Paths{
		Matrix:   firstExisting(dir, "matrix.mtx.gz", "matrix.mtx.zst", "matrix.mtx"),
		Features: firstExisting(dir, "features.tsv.gz", "features.tsv", "genes.tsv.gz", "genes.tsv"),
		Barcodes: firstExisting(dir, "barcodes.tsv.gz", "barcodes.tsv"),
	}
}

func firstExisting(dir string, names ...string) string {
	for _, n := range names {
		p := filepath.Join(dir, n)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	// Fall through to the first candidate so the open error names a
	// concrete path.
	return filepath.Join(dir, names[0])
}

// Load parses the matrix and identifier lists into a Dataset. In the
// on-disk convention matrix rows are features and columns are samples; the
// Dataset is sample-major, so entries are transposed on load.
func Load(name string, p Paths) (*dataset.Dataset, error) {
	features, err := readIDColumn(name, p.Features, 1)
	if err != nil {
		return nil, err
	}
	// 10x feature lists carry duplicate gene symbols; keep every column
	// addressable by giving repeats a numeric suffix.
	features = uniquify(features)
	barcodes, err := readIDColumn(name, p.Barcodes, 0)
	if err != nil {
		return nil, err
	}

	r, closeFn, err := data.Open(name, p.Matrix)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	entries, nFeatures, nSamples, err := parseMatrixMarket(name, p.Matrix, r)
	if err != nil {
		return nil, err
	}

	if nFeatures != len(features) {
		return nil, &data.FormatError{
			Dataset: name,
			Source:  p.Matrix,
			Detail:  fmt.Sprintf("matrix declares %d features but %s lists %d", nFeatures, filepath.Base(p.Features), len(features)),
		}
	}
	if nSamples != len(barcodes) {
		return nil, &data.FormatError{
			Dataset: name,
			Source:  p.Matrix,
			Detail:  fmt.Sprintf("matrix declares %d samples but %s lists %d", nSamples, filepath.Base(p.Barcodes), len(barcodes)),
		}
	}

	counts, err := dataset.NewSparse(nSamples, nFeatures, entries)
	if err != nil {
		return nil, &data.FormatError{Dataset: name, Source: p.Matrix, Detail: err.Error()}
	}

	ds, err := dataset.New(name, barcodes, features, counts)
	if err != nil {
		return nil, &data.FormatError{Dataset: name, Source: p.Matrix, Detail: err.Error()}
	}
	if err := ds.SetMeta("n_counts", counts.RowSums()); err != nil {
		return nil, err
	}
	return ds, nil
}

// parseMatrixMarket reads the coordinate body, transposing feature-major
// entries into sample-major triplets.
func parseMatrixMarket(name, path string, r io.Reader) ([]dataset.Triplet, int, int, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 1<<20), 1<<20)

	if !sc.Scan() {
		return nil, 0, 0, &data.FormatError{Dataset: name, Source: path, Detail: "empty file"}
	}
	header := sc.Text()
	if !strings.HasPrefix(header, "%%MatrixMarket") {
		return nil, 0, 0, &data.FormatError{Dataset: name, Source: path, Detail: "missing %%MatrixMarket banner"}
	}
	if !strings.Contains(header, "coordinate") {
		return nil, 0, 0, &data.FormatError{Dataset: name, Source: path, Detail: "only coordinate format is supported"}
	}

	// Comment lines, then the size line.
	var nFeatures, nSamples, nnz int
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "%") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 3 {
			return nil, 0, 0, &data.FormatError{Dataset: name, Source: path, Detail: fmt.Sprintf("size line has %d fields, expected 3", len(fields))}
		}
		var err error
		if nFeatures, err = strconv.Atoi(fields[0]); err != nil {
			return nil, 0, 0, &data.FormatError{Dataset: name, Source: path, Detail: "unparsable row count: " + fields[0]}
		}
		if nSamples, err = strconv.Atoi(fields[1]); err != nil {
			return nil, 0, 0, &data.FormatError{Dataset: name, Source: path, Detail: "unparsable column count: " + fields[1]}
		}
		if nnz, err = strconv.Atoi(fields[2]); err != nil {
			return nil, 0, 0, &data.FormatError{Dataset: name, Source: path, Detail: "unparsable entry count: " + fields[2]}
		}
		break
	}

	entries := make([]dataset.Triplet, 0, nnz)
	lineNo := 0
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		lineNo++
		if line == "" || strings.HasPrefix(line, "%") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 3 {
			return nil, 0, 0, &data.FormatError{Dataset: name, Source: path, Detail: fmt.Sprintf("entry %d has %d fields, expected 3", lineNo, len(fields))}
		}
		fr, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, 0, 0, &data.FormatError{Dataset: name, Source: path, Detail: "unparsable feature index: " + fields[0]}
		}
		sr, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, 0, 0, &data.FormatError{Dataset: name, Source: path, Detail: "unparsable sample index: " + fields[1]}
		}
		v, err := strconv.ParseFloat(fields[2], 64)
		if err != nil {
			return nil, 0, 0, &data.FormatError{Dataset: name, Source: path, Detail: "unparsable value: " + fields[2]}
		}
		if fr < 1 || fr > nFeatures || sr < 1 || sr > nSamples {
			return nil, 0, 0, &data.FormatError{
				Dataset: name,
				Source:  path,
				Detail:  fmt.Sprintf("entry (%d,%d) outside declared %dx%d matrix", fr, sr, nFeatures, nSamples),
			}
		}
		// Transpose: on-disk rows are features, Dataset rows are samples.
		entries = append(entries, dataset.Triplet{Row: sr - 1, Col: fr - 1, Val: v})
	}
	if err := sc.Err(); err != nil {
		return nil, 0, 0, fmt.Errorf("dataset %q: reading %s: %w", name, path, err)
	}
	if len(entries) != nnz {
		return nil, 0, 0, &data.FormatError{
			Dataset: name,
			Source:  path,
			Detail:  fmt.Sprintf("found %d entries, header declared %d", len(entries), nnz),
		}
	}
	return entries, nFeatures, nSamples, nil
}

// uniquify suffixes repeated identifiers with ".1", ".2", ... in order of
// appearance, walking the counter forward when a suffixed name itself
// collides with an id already seen.
func uniquify(ids []string) []string {
	seen := make(map[string]int, len(ids))
	out := make([]string, len(ids))
	for i, id := range ids {
		n := seen[id]
		seen[id] = n + 1
		if n == 0 {
			out[i] = id
			continue
		}
		for {
			cand := fmt.Sprintf("%s.%d", id, n)
			if seen[cand] == 0 {
				out[i] = cand
				seen[cand] = 1
				break
			}
			n++
		}
	}
	return out
}

// readIDColumn reads one identifier per line from a TSV, taking column col
// when present (features.tsv carries id/symbol/type; the symbol column is
// what spatial panels share) and falling back to the first column.
func readIDColumn(name, path string, col int) ([]string, error) {
	r, closeFn, err := data.Open(name, path)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	var out []string
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 1<<20), 1<<20)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r\n")
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if col < len(fields) {
			out = append(out, fields[col])
		} else {
			out = append(out, fields[0])
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("dataset %q: reading %s: %w", name, path, err)
	}
	if len(out) == 0 {
		return nil, &data.FormatError{Dataset: name, Source: path, Detail: "no identifiers"}
	}
	return out, nil
}

