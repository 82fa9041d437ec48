package codec

import (
	"io"

	"github.com/klauspost/compress/gzip"
)

func newGzipDecoder(r io.Reader) (io.ReadCloser, error) {
	return gzip.NewReader(r)
}

// newGzipEncoder writes a gzip stream. The zopfli flag selects the maximum
// compression level: there is no Go zopfli encoder, so zopfli-tagged
// components are re-encoded as best-effort deflate, which every consumer of
// the gzip container accepts.
func newGzipEncoder(w io.Writer, zopfli bool) (io.WriteCloser, error) {
	level := gzip.DefaultCompression
	if zopfli {
		level = gzip.BestCompression
	}
	return gzip.NewWriterLevel(w, level)
}
