// Package codec provides streaming encoders and decoders for every format in
// the registry, plus the file-level compress/decompress actions with their
// '-' stdin/stdout convention and suffix-based output naming.
package codec

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/deploymenttheory/go-boot-forge/internal/format"
	"github.com/deploymenttheory/go-boot-forge/internal/logger"
)

var (
	// ErrUnknownFormat is returned when decompression finds no recognized magic.
	ErrUnknownFormat = errors.New("unknown compression format")

	// ErrUnsupportedFormat is returned for formats that are recognized but
	// carry no codec (lzop).
	ErrUnsupportedFormat = errors.New("unsupported compression format")
)

// NewDecoder returns a streaming decoder for the given format.
func NewDecoder(f format.Format, r io.Reader) (io.ReadCloser, error) {
	switch f {
	case format.Gzip, format.Zopfli:
		return newGzipDecoder(r)
	case format.XZ:
		return newXZDecoder(r)
	case format.LZMA:
		return newLZMADecoder(r)
	case format.Bzip2:
		return newBzip2Decoder(r)
	case format.LZ4:
		return newLZ4Decoder(r)
	case format.LZ4Legacy, format.LZ4LG:
		return newLZ4LegacyDecoder(r)
	case format.Zstd:
		return newZstdDecoder(r)
	case format.LZOP:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, f)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownFormat, f)
	}
}

// NewEncoder returns a streaming encoder writing format f to w.
func NewEncoder(f format.Format, w io.Writer) (io.WriteCloser, error) {
	switch f {
	case format.Gzip:
		return newGzipEncoder(w, false)
	case format.Zopfli:
		return newGzipEncoder(w, true)
	case format.XZ:
		return newXZEncoder(w)
	case format.LZMA:
		return newLZMAEncoder(w)
	case format.Bzip2:
		return newBzip2Encoder(w)
	case format.LZ4:
		return newLZ4Encoder(w)
	case format.LZ4Legacy:
		return newLZ4LegacyEncoder(w, false)
	case format.LZ4LG:
		return newLZ4LegacyEncoder(w, true)
	case format.Zstd:
		return newZstdEncoder(w)
	case format.LZOP:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, f)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownFormat, f)
	}
}

// Compress encodes data into format f in one shot.
func Compress(f format.Format, data []byte) ([]byte, error) {
	var buf bytes.Buffer
	enc, err := NewEncoder(f, &buf)
	if err != nil {
		return nil, err
	}
	if _, err := enc.Write(data); err != nil {
		return nil, fmt.Errorf("compressing %s stream: %w", f, err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("finishing %s stream: %w", f, err)
	}
	return buf.Bytes(), nil
}

// Decompress detects the format of data and decodes it in one shot.
func Decompress(data []byte) (format.Format, []byte, error) {
	f := format.DetectLZ4(data)
	if !f.Compressed() {
		return f, nil, fmt.Errorf("%w: no codec for detected format %s", ErrUnknownFormat, f)
	}
	dec, err := NewDecoder(f, bytes.NewReader(data))
	if err != nil {
		return f, nil, err
	}
	defer dec.Close()
	out, err := io.ReadAll(dec)
	if err != nil {
		return f, nil, fmt.Errorf("decompressing %s stream: %w", f, err)
	}
	return f, out, nil
}

// DecompressStream decodes data in format f into w.
func DecompressStream(f format.Format, data []byte, w io.Writer) error {
	dec, err := NewDecoder(f, bytes.NewReader(data))
	if err != nil {
		return err
	}
	defer dec.Close()
	if _, err := io.Copy(w, dec); err != nil {
		return fmt.Errorf("decompressing %s stream: %w", f, err)
	}
	return nil
}

// CompressFile implements the compress action: encode in into out using the
// named format. in/out may be "-" for stdin/stdout. With no out path the
// format's suffix is appended to the input path.
func CompressFile(name, in, out string) error {
	f := format.FromName(name)
	if f == format.Raw {
		return fmt.Errorf("%w: %q", ErrUnknownFormat, name)
	}

	src, err := openInput(in)
	if err != nil {
		return err
	}
	defer src.Close()

	removeInput := false
	if out == "" {
		if in == "-" {
			return errors.New("no output path for stdin input")
		}
		out = in + f.Ext()
		removeInput = true
	}
	dst, err := openOutput(out)
	if err != nil {
		return err
	}
	defer dst.Close()

	enc, err := NewEncoder(f, dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(enc, src); err != nil {
		return fmt.Errorf("compressing %s: %w", in, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("finishing %s: %w", out, err)
	}
	logger.LogInfo("Compressed file", map[string]interface{}{
		"format": f.String(),
		"input":  in,
		"output": out,
	})

	// Mirror the original tool: a derived output path replaces the input file.
	if removeInput {
		return os.Remove(in)
	}
	return nil
}

// DecompressFile implements the decompress action: detect the format of in
// and decode it into out. With no out path the matching suffix is stripped
// from the input path; an input without a recognizable suffix is an error.
func DecompressFile(in, out string) error {
	src, err := openInput(in)
	if err != nil {
		return err
	}
	defer src.Close()

	// Pull enough bytes to classify, then stitch the reader back together.
	head := make([]byte, 4096)
	n, err := io.ReadFull(src, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return fmt.Errorf("reading %s: %w", in, err)
	}
	head = head[:n]

	f := format.DetectLZ4(head)
	if !f.Compressed() {
		return fmt.Errorf("%w: %s", ErrUnknownFormat, in)
	}

	removeInput := false
	if out == "" {
		if in == "-" {
			return errors.New("no output path for stdin input")
		}
		ext := f.Ext()
		if !strings.HasSuffix(in, ext) {
			return fmt.Errorf("%s does not carry the %s suffix for %s", in, ext, f)
		}
		out = strings.TrimSuffix(in, ext)
		removeInput = true
	}
	dst, err := openOutput(out)
	if err != nil {
		return err
	}
	defer dst.Close()

	dec, err := NewDecoder(f, io.MultiReader(bytes.NewReader(head), src))
	if err != nil {
		return err
	}
	defer dec.Close()
	if _, err := io.Copy(dst, dec); err != nil {
		return fmt.Errorf("decompressing %s: %w", in, err)
	}
	logger.LogInfo("Decompressed file", map[string]interface{}{
		"format": f.String(),
		"input":  in,
		"output": out,
	})

	if removeInput {
		return os.Remove(in)
	}
	return nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func openInput(path string) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening input: %w", err)
	}
	return f, nil
}

func openOutput(path string) (io.WriteCloser, error) {
	if path == "-" {
		return nopWriteCloser{os.Stdout}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating output: %w", err)
	}
	return f, nil
}
