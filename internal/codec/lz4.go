package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/pierrec/lz4/v4"
)

// Legacy lz4 streams carry 8 MiB uncompressed blocks, each prefixed with a
// little-endian compressed-size word. The LG flavor appends a trailing word
// holding the total uncompressed size.
const lz4LegacyBlockSize = 0x800000

var lz4LegacyMagic = uint32(0x184C2102)

func newLZ4Decoder(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(lz4.NewReader(r)), nil
}

func newLZ4Encoder(w io.Writer) (io.WriteCloser, error) {
	zw := lz4.NewWriter(w)
	err := zw.Apply(
		lz4.BlockSizeOption(lz4.Block4Mb),
		lz4.BlockChecksumOption(false),
		lz4.CompressionLevelOption(lz4.Level9),
	)
	if err != nil {
		return nil, err
	}
	return zw, nil
}

// lz4LegacyDecoder streams a legacy block sequence. Concatenated streams
// (repeated magic words) are handled; an LG size trailer terminates cleanly.
type lz4LegacyDecoder struct {
	r    io.Reader
	out  []byte
	done bool
}

func newLZ4LegacyDecoder(r io.Reader) (io.ReadCloser, error) {
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, fmt.Errorf("reading lz4 legacy magic: %w", err)
	}
	if binary.LittleEndian.Uint32(magic[:]) != lz4LegacyMagic {
		return nil, errors.New("not an lz4 legacy stream")
	}
	return &lz4LegacyDecoder{r: r}, nil
}

func (d *lz4LegacyDecoder) Read(p []byte) (int, error) {
	for len(d.out) == 0 {
		if d.done {
			return 0, io.EOF
		}
		if err := d.nextBlock(); err != nil {
			if errors.Is(err, io.EOF) {
				d.done = true
				continue
			}
			return 0, err
		}
	}
	n := copy(p, d.out)
	d.out = d.out[n:]
	return n, nil
}

func (d *lz4LegacyDecoder) nextBlock() error {
	var word [4]byte
	if _, err := io.ReadFull(d.r, word[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return io.EOF
		}
		return err
	}
	v := binary.LittleEndian.Uint32(word[:])
	if v == lz4LegacyMagic {
		// Start of a concatenated stream.
		return nil
	}
	block := make([]byte, v)
	if _, err := io.ReadFull(d.r, block); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			// The word was an LG uncompressed-size trailer.
			d.done = true
			return nil
		}
		return err
	}
	dst := make([]byte, lz4LegacyBlockSize)
	n, err := lz4.UncompressBlock(block, dst)
	if err != nil {
		return fmt.Errorf("lz4 legacy block: %w", err)
	}
	d.out = dst[:n]
	return nil
}

func (d *lz4LegacyDecoder) Close() error { return nil }

type lz4LegacyEncoder struct {
	w      io.Writer
	buf    []byte
	total  uint32
	lg     bool
	wrote  bool
	closed bool
	comp   lz4.CompressorHC
}

func newLZ4LegacyEncoder(w io.Writer, lg bool) (io.WriteCloser, error) {
	return &lz4LegacyEncoder{w: w, lg: lg}, nil
}

func (e *lz4LegacyEncoder) Write(p []byte) (int, error) {
	total := len(p)
	for len(p) > 0 {
		room := lz4LegacyBlockSize - len(e.buf)
		if room > len(p) {
			room = len(p)
		}
		e.buf = append(e.buf, p[:room]...)
		p = p[room:]
		if len(e.buf) == lz4LegacyBlockSize {
			if err := e.flushBlock(); err != nil {
				return total - len(p), err
			}
		}
	}
	return total, nil
}

func (e *lz4LegacyEncoder) flushBlock() error {
	if len(e.buf) == 0 {
		return nil
	}
	if !e.wrote {
		var magic [4]byte
		binary.LittleEndian.PutUint32(magic[:], lz4LegacyMagic)
		if _, err := e.w.Write(magic[:]); err != nil {
			return err
		}
		e.wrote = true
	}
	dst := make([]byte, lz4.CompressBlockBound(len(e.buf)))
	n, err := e.comp.CompressBlock(e.buf, dst)
	if err != nil {
		return fmt.Errorf("lz4 legacy block: %w", err)
	}
	if n == 0 {
		// Incompressible input: emit a literal-only block by hand.
		dst = literalBlock(e.buf)
		n = len(dst)
	}
	var szWord [4]byte
	binary.LittleEndian.PutUint32(szWord[:], uint32(n))
	if _, err := e.w.Write(szWord[:]); err != nil {
		return err
	}
	if _, err := e.w.Write(dst[:n]); err != nil {
		return err
	}
	e.total += uint32(len(e.buf))
	e.buf = e.buf[:0]
	return nil
}

func (e *lz4LegacyEncoder) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	if err := e.flushBlock(); err != nil {
		return err
	}
	if e.lg {
		var trailer [4]byte
		binary.LittleEndian.PutUint32(trailer[:], e.total)
		if _, err := e.w.Write(trailer[:]); err != nil {
			return err
		}
	}
	return nil
}

// literalBlock encodes src as a single lz4 sequence of literals with no
// match, which is the valid encoding for a final sequence.
func literalBlock(src []byte) []byte {
	out := make([]byte, 0, len(src)+len(src)/255+16)
	n := len(src)
	if n < 15 {
		out = append(out, byte(n)<<4)
	} else {
		out = append(out, 0xf0)
		for rem := n - 15; ; rem -= 255 {
			if rem < 255 {
				out = append(out, byte(rem))
				break
			}
			out = append(out, 0xff)
		}
	}
	return append(out, src...)
}
