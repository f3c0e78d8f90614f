package data

import (
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Open opens an input file, transparently decompressing .gz and .zst
// suffixes. The returned close function must be called once. A missing
// file is reported as MissingFileError, a corrupt compression header as
// FormatError.
func Open(dataset, path string) (io.Reader, func() error, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, &MissingFileError{Dataset: dataset, Path: path, Err: err}
	}

	switch {
	case strings.HasSuffix(path, ".gz"):
		gz, err := gzip.NewReader(f)
		if err != nil {
			f.Close()
			return nil, nil, &FormatError{Dataset: dataset, Source: path, Detail: "bad gzip stream: " + err.Error()}
		}
		return gz, func() error {
			gz.Close()
			return f.Close()
		}, nil
	case strings.HasSuffix(path, ".zst"):
		zr, err := zstd.NewReader(f)
		if err != nil {
			f.Close()
			return nil, nil, &FormatError{Dataset: dataset, Source: path, Detail: "bad zstd stream: " + err.Error()}
		}
		return zr, func() error {
			zr.Close()
			return f.Close()
		}, nil
	default:
		return f, f.Close, nil
	}
}
