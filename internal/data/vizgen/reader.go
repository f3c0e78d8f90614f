// Package vizgen loads a Vizgen Merscope spatial dataset: a dense
// cell-by-gene count table plus a per-cell metadata table carrying centroid
// coordinates and segmentation volume. Both tables must index exactly the
// same cell set.
package vizgen

import (
	"encoding/csv"
	"fmt"
	"io"
	"path/filepath"
	"strconv"

	"github.com/cellanchor/pipeline/internal/data"
	"github.com/cellanchor/pipeline/internal/dataset"
)

// Paths names the two inputs of a Merscope region.
type Paths struct {
	CellByGene   string
	CellMetadata string
}

// DirPaths resolves the conventional Merscope file names inside dir.
func DirPaths(dir string) Paths {
	return Paths{
		CellByGene:   filepath.Join(dir, "cell_by_gene.csv"),
		CellMetadata: filepath.Join(dir, "cell_metadata.csv"),
	}
}

// metadata columns we require; fov is carried when present.
const (
	colCenterX = "center_x"
	colCenterY = "center_y"
	colVolume  = "volume"
	colFOV     = "fov"
)

// Load parses the count and metadata tables into a spatial Dataset. The
// cell sets of the two tables must match exactly; any cell present in one
// but not the other is a SchemaError.
func Load(name string, p Paths) (*dataset.Dataset, error) {
	cellIDs, genes, entries, err := readCellByGene(name, p.CellByGene)
	if err != nil {
		return nil, err
	}

	meta, err := readCellMetadata(name, p.CellMetadata)
	if err != nil {
		return nil, err
	}

	// All inputs must index the same cell set.
	for _, id := range cellIDs {
		if _, ok := meta.rows[id]; !ok {
			return nil, &data.SchemaError{
				Dataset: name,
				Source:  "cell_by_gene.csv vs cell_metadata.csv",
				Detail: fmt.Sprintf("cell %q has counts but no metadata (%d cells with counts, %d with metadata)",
					id, len(cellIDs), len(meta.rows)),
			}
		}
	}
	if len(meta.rows) != len(cellIDs) {
		counted := indexOf(cellIDs)
		for id := range meta.rows {
			if _, ok := counted[id]; !ok {
				return nil, &data.SchemaError{
					Dataset: name,
					Source:  "cell_metadata.csv vs cell_by_gene.csv",
					Detail: fmt.Sprintf("cell %q has metadata but no counts (%d cells with metadata, %d with counts)",
						id, len(meta.rows), len(cellIDs)),
				}
			}
		}
	}

	counts, err := dataset.NewSparse(len(cellIDs), len(genes), entries)
	if err != nil {
		return nil, &data.FormatError{Dataset: name, Source: p.CellByGene, Detail: err.Error()}
	}
	ds, err := dataset.New(name, cellIDs, genes, counts)
	if err != nil {
		return nil, &data.FormatError{Dataset: name, Source: p.CellByGene, Detail: err.Error()}
	}

	coords := make([][2]float64, len(cellIDs))
	volume := make([]float64, len(cellIDs))
	fov := make([]float64, len(cellIDs))
	for i, id := range cellIDs {
		row := meta.rows[id]
		coords[i] = [2]float64{row.centerX, row.centerY}
		volume[i] = row.volume
		fov[i] = row.fov
	}
	if err := ds.SetCoords(coords); err != nil {
		return nil, err
	}
	if err := ds.SetMeta(colVolume, volume); err != nil {
		return nil, err
	}
	if meta.hasFOV {
		if err := ds.SetMeta(colFOV, fov); err != nil {
			return nil, err
		}
	}
	if err := ds.SetMeta("n_counts", counts.RowSums()); err != nil {
		return nil, err
	}
	return ds, nil
}

func indexOf(ids []string) map[string]struct{} {
	out := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out
}

// readCellByGene parses the dense count table. The first column is the cell
// id (its header is conventionally empty or "cell"); the remaining headers
// are gene names.
func readCellByGene(name, path string) ([]string, []string, []dataset.Triplet, error) {
	r, closeFn, err := data.Open(name, path)
	if err != nil {
		return nil, nil, nil, err
	}
	defer closeFn()

	cr := csv.NewReader(r)

	header, err := cr.Read()
	if err != nil {
		return nil, nil, nil, &data.FormatError{Dataset: name, Source: path, Detail: "missing header: " + err.Error()}
	}
	if len(header) < 2 {
		return nil, nil, nil, &data.FormatError{Dataset: name, Source: path, Detail: fmt.Sprintf("header has %d columns, need at least 2", len(header))}
	}
	genes := make([]string, len(header)-1)
	copy(genes, header[1:])

	var (
		cellIDs []string
		entries []dataset.Triplet
	)
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, nil, &data.FormatError{Dataset: name, Source: path, Detail: err.Error()}
		}
		if len(rec) != len(header) {
			return nil, nil, nil, &data.FormatError{
				Dataset: name,
				Source:  path,
				Detail:  fmt.Sprintf("row %d has %d columns, header has %d", len(cellIDs)+2, len(rec), len(header)),
			}
		}
		row := len(cellIDs)
		cellIDs = append(cellIDs, rec[0])
		for c := 1; c < len(rec); c++ {
			if rec[c] == "0" || rec[c] == "" {
				continue
			}
			v, err := strconv.ParseFloat(rec[c], 64)
			if err != nil {
				return nil, nil, nil, &data.FormatError{Dataset: name, Source: path, Detail: fmt.Sprintf("unparsable count %q for cell %q gene %q", rec[c], rec[0], genes[c-1])}
			}
			if v == 0 {
				continue
			}
			entries = append(entries, dataset.Triplet{Row: row, Col: c - 1, Val: v})
		}
	}
	if len(cellIDs) == 0 {
		return nil, nil, nil, &data.FormatError{Dataset: name, Source: path, Detail: "no cells"}
	}
	return cellIDs, genes, entries, nil
}

type metaRow struct {
	centerX float64
	centerY float64
	volume  float64
	fov     float64
}

type metaTable struct {
	rows   map[string]metaRow
	hasFOV bool
}

func readCellMetadata(name, path string) (*metaTable, error) {
	r, closeFn, err := data.Open(name, path)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	cr := csv.NewReader(r)

	header, err := cr.Read()
	if err != nil {
		return nil, &data.FormatError{Dataset: name, Source: path, Detail: "missing header: " + err.Error()}
	}
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[h] = i
	}
	for _, required := range []string{colCenterX, colCenterY, colVolume} {
		if _, ok := col[required]; !ok {
			return nil, &data.FormatError{Dataset: name, Source: path, Detail: "missing column " + required}
		}
	}
	fovIdx, hasFOV := col[colFOV]

	out := &metaTable{rows: make(map[string]metaRow), hasFOV: hasFOV}
	lineNo := 1
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, &data.FormatError{Dataset: name, Source: path, Detail: err.Error()}
		}
		lineNo++
		id := rec[0]
		if _, dup := out.rows[id]; dup {
			return nil, &data.FormatError{Dataset: name, Source: path, Detail: fmt.Sprintf("duplicate cell id %q at row %d", id, lineNo)}
		}
		row := metaRow{}
		if row.centerX, err = parseField(rec, col[colCenterX], colCenterX); err != nil {
			return nil, &data.FormatError{Dataset: name, Source: path, Detail: err.Error()}
		}
		if row.centerY, err = parseField(rec, col[colCenterY], colCenterY); err != nil {
			return nil, &data.FormatError{Dataset: name, Source: path, Detail: err.Error()}
		}
		if row.volume, err = parseField(rec, col[colVolume], colVolume); err != nil {
			return nil, &data.FormatError{Dataset: name, Source: path, Detail: err.Error()}
		}
		if hasFOV {
			if row.fov, err = parseField(rec, fovIdx, colFOV); err != nil {
				return nil, &data.FormatError{Dataset: name, Source: path, Detail: err.Error()}
			}
		}
		out.rows[id] = row
	}
	if len(out.rows) == 0 {
		return nil, &data.FormatError{Dataset: name, Source: path, Detail: "no cells"}
	}
	return out, nil
}

func parseField(rec []string, idx int, column string) (float64, error) {
	if idx >= len(rec) {
		return 0, fmt.Errorf("row for cell %q is missing column %s", rec[0], column)
	}
	v, err := strconv.ParseFloat(rec[idx], 64)
	if err != nil {
		return 0, fmt.Errorf("unparsable %s %q for cell %q", column, rec[idx], rec[0])
	}
	return v, nil
}
