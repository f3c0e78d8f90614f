//go:build soma

package soma

import (
	"fmt"
	"math"
	"os"
	"sort"

	tiledb "github.com/TileDB-Inc/TileDB-Go"

	"github.com/cellanchor/pipeline/internal/dataset"
)

// Reader materializes a reference dataset from SOMA via TileDB arrays.
type Reader struct {
	experimentURI string
	ctx           *tiledb.Context
}

func NewReader(somaPath string) (*Reader, error) {
	uri, err := ResolveExperimentURI(somaPath)
	if err != nil {
		return nil, err
	}
	if _, statErr := os.Stat(uri); statErr != nil {
		return nil, fmt.Errorf("soma experiment not found at %s: %w", uri, statErr)
	}

	ctx, err := tiledb.NewContext(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create TileDB context: %w", err)
	}

	return &Reader{
		experimentURI: uri,
		ctx:           ctx,
	}, nil
}

func (r *Reader) Supported() bool { return true }

func (r *Reader) ExperimentURI() string { return r.experimentURI }

// LoadDataset reads the experiment's gene ids, cell ids, and sparse count
// matrix into an in-memory dataset. Rows follow obs joinid order, columns
// follow var joinid order.
func (r *Reader) LoadDataset(name string) (*dataset.Dataset, error) {
	geneIDs, genes, err := r.readIDColumn(r.experimentURI+"/ms/RNA/var", "gene_id")
	if err != nil {
		return nil, fmt.Errorf("read var: %w", err)
	}
	cellIDs, cells, err := r.readIDColumn(r.experimentURI+"/obs", "obs_id")
	if err != nil {
		return nil, fmt.Errorf("read obs: %w", err)
	}

	// joinids are sparse-array coordinates, not necessarily dense; map
	// them onto matrix positions.
	geneRow := joinIndex(geneIDs)
	cellRow := joinIndex(cellIDs)

	var entries []dataset.Triplet
	err = r.scanX(func(cell, gene int64, val float32) {
		ri, ok := cellRow[cell]
		if !ok {
			return
		}
		ci, ok := geneRow[gene]
		if !ok {
			return
		}
		if val != 0 {
			entries = append(entries, dataset.Triplet{Row: ri, Col: ci, Val: float64(val)})
		}
	})
	if err != nil {
		return nil, fmt.Errorf("read X: %w", err)
	}

	counts, err := dataset.NewSparse(len(cells), len(genes), entries)
	if err != nil {
		return nil, err
	}
	ds, err := dataset.New(name, cells, genes, counts)
	if err != nil {
		return nil, err
	}
	if err := ds.SetMeta("n_counts", counts.RowSums()); err != nil {
		return nil, err
	}
	return ds, nil
}

// readIDColumn reads (soma_joinid, <attr>) pairs from a SOMA dataframe
// array, returning them sorted by joinid.
func (r *Reader) readIDColumn(arrayURI, attr string) ([]int64, []string, error) {
	arr, err := tiledb.NewArray(r.ctx, arrayURI)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open array (%s): %w", arrayURI, err)
	}
	defer arr.Free()
	if err := arr.Open(tiledb.TILEDB_READ); err != nil {
		return nil, nil, fmt.Errorf("failed to open array for read: %w", err)
	}
	defer arr.Close()

	ned, isEmpty, err := arr.NonEmptyDomainFromName("soma_joinid")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get non-empty domain: %w", err)
	}
	if isEmpty || ned == nil {
		return nil, nil, nil
	}
	minID, maxID, err := boundsMinMaxInt64(ned.Bounds)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse non-empty domain bounds: %w", err)
	}

	sub, err := arr.NewSubarray()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create subarray: %w", err)
	}
	defer sub.Free()
	if err := sub.AddRangeByName("soma_joinid", tiledb.MakeRange[int64](minID, maxID)); err != nil {
		return nil, nil, fmt.Errorf("failed to set range: %w", err)
	}

	q, err := tiledb.NewQuery(r.ctx, arr)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create query: %w", err)
	}
	defer q.Free()
	if err := q.SetSubarray(sub); err != nil {
		return nil, nil, fmt.Errorf("failed to set subarray: %w", err)
	}
	if err := q.SetLayout(tiledb.TILEDB_ROW_MAJOR); err != nil {
		return nil, nil, fmt.Errorf("failed to set query layout: %w", err)
	}

	nullable, err := attributeNullable(arr, attr)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to inspect %s nullable: %w", attr, err)
	}

	// Stream in chunks to avoid huge allocations and to handle unbounded domains safely.
	const chunkRows = 4096
	joinIDs := make([]int64, chunkRows)
	offsets := make([]uint64, chunkRows)
	var validity []uint8
	if nullable {
		validity = make([]uint8, chunkRows)
	}
	dataBytes := make([]byte, 1024*1024)

	var outIDs []int64
	var outNames []string
	for {
		// Reset buffers each submit so TileDB sees full capacities (buffer sizes are in/out params).
		if _, err := q.SetDataBuffer("soma_joinid", joinIDs); err != nil {
			return nil, nil, fmt.Errorf("failed to set buffer soma_joinid: %w", err)
		}
		if _, err := q.SetOffsetsBuffer(attr, offsets); err != nil {
			return nil, nil, fmt.Errorf("failed to set offsets buffer %s: %w", attr, err)
		}
		if _, err := q.SetDataBuffer(attr, dataBytes); err != nil {
			return nil, nil, fmt.Errorf("failed to set data buffer %s: %w", attr, err)
		}
		if nullable {
			if _, err := q.SetValidityBuffer(attr, validity); err != nil {
				return nil, nil, fmt.Errorf("failed to set validity buffer %s: %w", attr, err)
			}
		}

		if err := q.Submit(); err != nil {
			return nil, nil, fmt.Errorf("query submit failed: %w", err)
		}
		status, err := q.Status()
		if err != nil {
			return nil, nil, fmt.Errorf("query status failed: %w", err)
		}
		elems, err := q.ResultBufferElements()
		if err != nil {
			return nil, nil, fmt.Errorf("ResultBufferElements failed: %w", err)
		}

		usedJoin := min(int(elems["soma_joinid"][1]), len(joinIDs))
		usedOffsets := min(int(elems[attr][0]), len(offsets))
		usedBytes := min(int(elems[attr][1]), len(dataBytes))
		usedValid := 0
		if nullable {
			usedValid = min(int(elems[attr][2]), len(validity))
		}

		// If buffers are too small to return even a single row, grow and retry.
		if status == tiledb.TILEDB_INCOMPLETE && usedOffsets == 0 && usedBytes == 0 && usedJoin == 0 {
			if len(dataBytes) < 64*1024*1024 {
				dataBytes = make([]byte, len(dataBytes)*2)
				continue
			}
			return nil, nil, fmt.Errorf("query buffers too small (%s); grew to %d bytes and still no progress", attr, len(dataBytes))
		}

		lim := usedJoin
		if usedOffsets < lim {
			lim = usedOffsets
		}
		for i := 0; i < lim; i++ {
			if nullable && i < usedValid && validity[i] == 0 {
				continue
			}
			start := int(offsets[i])
			end := usedBytes
			if i+1 < usedOffsets {
				end = int(offsets[i+1])
			}
			if start < 0 || end < start || end > usedBytes {
				continue
			}
			outIDs = append(outIDs, joinIDs[i])
			outNames = append(outNames, string(dataBytes[start:end]))
		}

		if status == tiledb.TILEDB_COMPLETED {
			break
		}
		if status != tiledb.TILEDB_INCOMPLETE {
			return nil, nil, fmt.Errorf("unexpected TileDB query status: %v", status)
		}
	}

	sortByJoinID(outIDs, outNames)
	return outIDs, outNames, nil
}

// scanX streams every nonzero of ms/RNA/X/data through onRow.
func (r *Reader) scanX(onRow func(cell, gene int64, val float32)) error {
	xURI := r.experimentURI + "/ms/RNA/X/data"
	arr, err := tiledb.NewArray(r.ctx, xURI)
	if err != nil {
		return fmt.Errorf("failed to open X array (%s): %w", xURI, err)
	}
	defer arr.Free()
	if err := arr.Open(tiledb.TILEDB_READ); err != nil {
		return fmt.Errorf("failed to open X array for read: %w", err)
	}
	defer arr.Close()

	sub, err := arr.NewSubarray()
	if err != nil {
		return fmt.Errorf("failed to create subarray: %w", err)
	}
	defer sub.Free()
	for _, dim := range []string{"soma_dim_0", "soma_dim_1"} {
		ned, isEmpty, err := arr.NonEmptyDomainFromName(dim)
		if err != nil {
			return fmt.Errorf("failed to get %s non-empty domain: %w", dim, err)
		}
		if isEmpty || ned == nil {
			return nil
		}
		lo, hi, err := boundsMinMaxInt64(ned.Bounds)
		if err != nil {
			return fmt.Errorf("failed to parse %s bounds: %w", dim, err)
		}
		if err := sub.AddRangeByName(dim, tiledb.MakeRange[int64](lo, hi)); err != nil {
			return fmt.Errorf("failed to add %s range: %w", dim, err)
		}
	}

	q, err := tiledb.NewQuery(r.ctx, arr)
	if err != nil {
		return fmt.Errorf("failed to create query: %w", err)
	}
	defer q.Free()
	if err := q.SetSubarray(sub); err != nil {
		return fmt.Errorf("failed to set subarray: %w", err)
	}
	// For sparse reads, unordered is generally fine.
	_ = q.SetLayout(tiledb.TILEDB_UNORDERED)

	valNullable, err := attributeNullable(arr, "soma_data")
	if err != nil {
		return fmt.Errorf("failed to inspect soma_data nullable: %w", err)
	}

	const chunk = 1 << 18
	dim0 := make([]int64, chunk)
	dim1 := make([]int64, chunk)
	vals := make([]float32, chunk)
	var validity []uint8
	if valNullable {
		validity = make([]uint8, chunk)
	}

	for {
		if _, err := q.SetDataBuffer("soma_dim_0", dim0); err != nil {
			return fmt.Errorf("failed to set buffer soma_dim_0: %w", err)
		}
		if _, err := q.SetDataBuffer("soma_dim_1", dim1); err != nil {
			return fmt.Errorf("failed to set buffer soma_dim_1: %w", err)
		}
		if _, err := q.SetDataBuffer("soma_data", vals); err != nil {
			return fmt.Errorf("failed to set buffer soma_data: %w", err)
		}
		if valNullable {
			if _, err := q.SetValidityBuffer("soma_data", validity); err != nil {
				return fmt.Errorf("failed to set validity buffer soma_data: %w", err)
			}
		}

		if err := q.Submit(); err != nil {
			return fmt.Errorf("X query submit failed: %w", err)
		}
		status, err := q.Status()
		if err != nil {
			return fmt.Errorf("X query status failed: %w", err)
		}
		elems, err := q.ResultBufferElements()
		if err != nil {
			return fmt.Errorf("X ResultBufferElements failed: %w", err)
		}

		got := min(int(elems["soma_data"][1]), len(vals))
		gotValid := 0
		if valNullable {
			gotValid = min(int(elems["soma_data"][2]), len(validity))
		}
		for i := 0; i < got; i++ {
			if valNullable && i < gotValid && validity[i] == 0 {
				continue
			}
			onRow(dim0[i], dim1[i], vals[i])
		}

		if status == tiledb.TILEDB_COMPLETED {
			return nil
		}
		if status != tiledb.TILEDB_INCOMPLETE {
			return fmt.Errorf("unexpected TileDB query status for X: %v", status)
		}
		if got == 0 {
			return fmt.Errorf("X query made no progress with %d-element buffers", chunk)
		}
	}
}

func joinIndex(ids []int64) map[int64]int {
	m := make(map[int64]int, len(ids))
	for i, id := range ids {
		m[id] = i
	}
	return m
}

func sortByJoinID(ids []int64, names []string) {
	order := make([]int, len(ids))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return ids[order[a]] < ids[order[b]] })

	sortedIDs := make([]int64, len(ids))
	sortedNames := make([]string, len(names))
	for i, o := range order {
		sortedIDs[i] = ids[o]
		sortedNames[i] = names[o]
	}
	copy(ids, sortedIDs)
	copy(names, sortedNames)
}

func boundsMinMaxInt64(bounds interface{}) (int64, int64, error) {
	switch v := bounds.(type) {
	case []int64:
		if len(v) >= 2 {
			return v[0], v[1], nil
		}
	case []int32:
		if len(v) >= 2 {
			return int64(v[0]), int64(v[1]), nil
		}
	case []uint64:
		if len(v) >= 2 {
			if v[0] > math.MaxInt64 || v[1] > math.MaxInt64 {
				return 0, 0, fmt.Errorf("uint64 bounds exceed int64 range")
			}
			return int64(v[0]), int64(v[1]), nil
		}
	case []uint32:
		if len(v) >= 2 {
			return int64(v[0]), int64(v[1]), nil
		}
	}
	return 0, 0, fmt.Errorf("unsupported bounds type for non-empty domain")
}

func attributeNullable(arr *tiledb.Array, name string) (bool, error) {
	schema, err := arr.Schema()
	if err != nil {
		return false, err
	}
	defer schema.Free()
	attr, err := schema.AttributeFromName(name)
	if err != nil {
		return false, err
	}
	defer attr.Free()
	return attr.Nullable()
}
