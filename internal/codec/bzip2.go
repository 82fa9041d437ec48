package codec

import (
	"io"

	"github.com/dsnet/compress/bzip2"
)

func newBzip2Decoder(r io.Reader) (io.ReadCloser, error) {
	return bzip2.NewReader(r, nil)
}

func newBzip2Encoder(w io.Writer) (io.WriteCloser, error) {
	return bzip2.NewWriter(w, &bzip2.WriterConfig{Level: bzip2.BestCompression})
}
