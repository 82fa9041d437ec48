package codec

import (
	"io"

	"github.com/ulikunitz/xz"
	"github.com/ulikunitz/xz/lzma"
)

func newXZDecoder(r io.Reader) (io.ReadCloser, error) {
	xr, err := xz.NewReader(r)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(xr), nil
}

func newXZEncoder(w io.Writer) (io.WriteCloser, error) {
	return xz.NewWriter(w)
}

func newLZMADecoder(r io.Reader) (io.ReadCloser, error) {
	lr, err := lzma.NewReader(r)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(lr), nil
}

func newLZMAEncoder(w io.Writer) (io.WriteCloser, error) {
	return lzma.NewWriter(w)
}
