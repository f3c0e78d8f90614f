package mtx

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"

	"github.com/cellanchor/pipeline/internal/data"
	"github.com/cellanchor/pipeline/internal/dataset"
)

const matrixBody = `%%MatrixMarket matrix coordinate integer general
% comment line
3 2 4
1 1 5
2 1 1
3 2 7
1 2 2
`

func writeTestDir(t *testing.T, matrix string, features, barcodes []string) string {
	t.Helper()
	dir := t.TempDir()

	writeFile(t, filepath.Join(dir, "matrix.mtx"), matrix)

	var f bytes.Buffer
	for _, id := range features {
		f.WriteString("ENSG-" + id + "\t" + id + "\tGene Expression\n")
	}
	writeFile(t, filepath.Join(dir, "features.tsv"), f.String())

	var b bytes.Buffer
	for _, id := range barcodes {
		b.WriteString(id + "\n")
	}
	writeFile(t, filepath.Join(dir, "barcodes.tsv"), b.String())
	return dir
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}

func TestLoad(t *testing.T) {
	dir := writeTestDir(t, matrixBody, []string{"GeneA", "GeneB", "GeneC"}, []string{"AAAC", "TTTG"})

	ds, err := Load("ref", DirPaths(dir))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if ds.NSamples() != 2 || ds.NFeatures() != 3 {
		t.Fatalf("expected 2x3 dataset, got %dx%d", ds.NSamples(), ds.NFeatures())
	}
	// Symbol column, not the ENSG id.
	if feats := ds.Features(); feats[0] != "GeneA" {
		t.Errorf("expected feature symbol GeneA, got %q", feats[0])
	}

	counts, err := ds.Layer(dataset.LayerCounts)
	if err != nil {
		t.Fatalf("Layer failed: %v", err)
	}
	// On-disk (feature 1, sample 1) = 5 lands at sample-major (0, 0).
	if got := counts.At(0, 0); got != 5 {
		t.Errorf("expected transposed count 5 at (0,0), got %g", got)
	}
	if got := counts.At(1, 2); got != 7 {
		t.Errorf("expected count 7 at (1,2), got %g", got)
	}

	nc, ok := ds.Meta("n_counts")
	if !ok {
		t.Fatal("expected n_counts metadata")
	}
	if nc[0] != 6 || nc[1] != 9 {
		t.Errorf("unexpected n_counts: %v", nc)
	}
}

func TestLoad_DuplicateFeatureSymbols(t *testing.T) {
	// Two panel entries share the symbol GeneA; both columns must stay
	// addressable.
	dir := writeTestDir(t, matrixBody, []string{"GeneA", "GeneA", "GeneB"}, []string{"AAAC", "TTTG"})

	ds, err := Load("ref", DirPaths(dir))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	want := []string{"GeneA", "GeneA.1", "GeneB"}
	for i, w := range want {
		if got := ds.Features()[i]; got != w {
			t.Errorf("feature %d = %q, want %q", i, got, w)
		}
	}
	idx, ok := ds.FeatureIndex("GeneA.1")
	if !ok || idx != 1 {
		t.Errorf("FeatureIndex(GeneA.1) = %d, %v; want 1, true", idx, ok)
	}

	counts, err := ds.Layer(dataset.LayerCounts)
	if err != nil {
		t.Fatalf("Layer failed: %v", err)
	}
	// On-disk (feature 2, sample 1) = 1 belongs to the suffixed column.
	if got := counts.At(0, 1); got != 1 {
		t.Errorf("expected count 1 at (0,1), got %g", got)
	}
}

func TestUniquify_SuffixCollision(t *testing.T) {
	got := uniquify([]string{"g", "g.1", "g", "g"})
	want := []string{"g", "g.1", "g.2", "g.3"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("uniquify = %v, want %v", got, want)
		}
	}
}

func TestLoad_Gzip(t *testing.T) {
	dir := writeTestDir(t, matrixBody, []string{"GeneA", "GeneB", "GeneC"}, []string{"AAAC", "TTTG"})

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	zw.Write([]byte(matrixBody))
	zw.Close()
	if err := os.WriteFile(filepath.Join(dir, "matrix.mtx.gz"), buf.Bytes(), 0644); err != nil {
		t.Fatalf("failed to write gzip matrix: %v", err)
	}

	// DirPaths prefers the gzip variant.
	p := DirPaths(dir)
	if filepath.Base(p.Matrix) != "matrix.mtx.gz" {
		t.Fatalf("expected gzip matrix preferred, got %s", p.Matrix)
	}

	ds, err := Load("ref", p)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if ds.NSamples() != 2 {
		t.Errorf("expected 2 samples, got %d", ds.NSamples())
	}
}

func TestLoad_MissingFile(t *testing.T) {
	dir := t.TempDir()

	_, err := Load("ref", DirPaths(dir))
	var missing *data.MissingFileError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingFileError, got %v", err)
	}
}

func TestLoad_DimensionMismatch(t *testing.T) {
	// Matrix declares 3 features, identifier list has 2.
	dir := writeTestDir(t, matrixBody, []string{"GeneA", "GeneB"}, []string{"AAAC", "TTTG"})

	_, err := Load("ref", DirPaths(dir))
	var format *data.FormatError
	if !errors.As(err, &format) {
		t.Fatalf("expected FormatError, got %v", err)
	}
}

func TestLoad_EntryCountMismatch(t *testing.T) {
	bad := `%%MatrixMarket matrix coordinate integer general
3 2 4
1 1 5
`
	dir := writeTestDir(t, bad, []string{"GeneA", "GeneB", "GeneC"}, []string{"AAAC", "TTTG"})

	_, err := Load("ref", DirPaths(dir))
	var format *data.FormatError
	if !errors.As(err, &format) {
		t.Fatalf("expected FormatError, got %v", err)
	}
}

func TestLoad_MissingBanner(t *testing.T) {
	dir := writeTestDir(t, "3 2 0\n", []string{"GeneA", "GeneB", "GeneC"}, []string{"AAAC", "TTTG"})

	_, err := Load("ref", DirPaths(dir))
	var format *data.FormatError
	if !errors.As(err, &format) {
		t.Fatalf("expected FormatError, got %v", err)
	}
}

func TestLoad_EntryOutOfRange(t *testing.T) {
	bad := `%%MatrixMarket matrix coordinate integer general
3 2 1
4 1 5
`
	dir := writeTestDir(t, bad, []string{"GeneA", "GeneB", "GeneC"}, []string{"AAAC", "TTTG"})

	_, err := Load("ref", DirPaths(dir))
	var format *data.FormatError
	if !errors.As(err, &format) {
		t.Fatalf("expected FormatError, got %v", err)
	}
}
