// Package format maps magic byte prefixes and canonical names to the closed
// set of compression and archive formats found inside Android boot images.
package format

import (
	"bytes"
	"encoding/binary"
)

// Format identifies one of the recognized compression/archive formats.
type Format int

const (
	// Raw means no recognized magic; bytes are used as-is.
	Raw Format = iota
	Gzip
	Zopfli
	LZ4
	LZ4Legacy
	LZ4LG
	LZOP
	Bzip2
	XZ
	LZMA
	Zstd
	MTK
	DTB
)

// Magic byte signatures, taken from the boot image tooling lineage.
var (
	magicGzip1     = []byte{0x1f, 0x8b}
	magicGzip2     = []byte{0x1f, 0x9e}
	magicLZOP      = []byte("\x89LZO")
	magicXZ        = []byte("\xfd7zXZ\x00")
	magicBzip2     = []byte("BZh")
	magicLZ4Legacy = []byte{0x02, 0x21, 0x4c, 0x18}
	magicLZ4F1     = []byte{0x03, 0x21, 0x4c, 0x18}
	magicLZ4F2     = []byte{0x04, 0x22, 0x4d, 0x18}
	magicZstd      = []byte{0x28, 0xb5, 0x2f, 0xfd}
	magicMTK       = []byte{0x88, 0x16, 0x88, 0x58}
	magicDTB       = []byte{0xd0, 0x0d, 0xfe, 0xed}
)

// String returns the canonical name used on the command line.
func (f Format) String() string {
	switch f {
	case Gzip:
		return "gzip"
	case Zopfli:
		return "zopfli"
	case LZ4:
		return "lz4"
	case LZ4Legacy:
		return "lz4_legacy"
	case LZ4LG:
		return "lz4_lg"
	case LZOP:
		return "lzop"
	case Bzip2:
		return "bzip2"
	case XZ:
		return "xz"
	case LZMA:
		return "lzma"
	case Zstd:
		return "zstd"
	case MTK:
		return "mtk"
	case DTB:
		return "dtb"
	default:
		return "raw"
	}
}

// Ext returns the canonical filename suffix, or "" for formats that do not
// carry one (raw, container wrappers).
func (f Format) Ext() string {
	switch f {
	case Gzip, Zopfli:
		return ".gz"
	case LZ4, LZ4Legacy, LZ4LG:
		return ".lz4"
	case LZOP:
		return ".lzo"
	case Bzip2:
		return ".bz2"
	case XZ:
		return ".xz"
	case LZMA:
		return ".lzma"
	case Zstd:
		return ".zst"
	default:
		return ""
	}
}

// Compressed reports whether f is a compression format this tool can run a
// codec for. LZOP is recognized but has no codec, matching the original tool.
func (f Format) Compressed() bool {
	switch f {
	case Gzip, Zopfli, LZ4, LZ4Legacy, LZ4LG, Bzip2, XZ, LZMA, Zstd:
		return true
	default:
		return false
	}
}

// CompressedAny reports whether f is any compression format, codec or not.
func (f Format) CompressedAny() bool {
	return f.Compressed() || f == LZOP
}

// FromName looks a format up by canonical name. Unknown names map to Raw.
func FromName(name string) Format {
	switch name {
	case "gzip":
		return Gzip
	case "zopfli":
		return Zopfli
	case "lz4":
		return LZ4
	case "lz4_legacy":
		return LZ4Legacy
	case "lz4_lg":
		return LZ4LG
	case "lzop":
		return LZOP
	case "bzip2":
		return Bzip2
	case "xz":
		return XZ
	case "lzma":
		return LZMA
	case "zstd":
		return Zstd
	default:
		return Raw
	}
}

// Names lists the canonical names of formats with a working codec.
func Names() []string {
	return []string{"gzip", "zopfli", "lz4", "lz4_legacy", "lz4_lg", "bzip2", "xz", "lzma", "zstd"}
}

// Detect inspects the leading bytes of buf and returns the matching format.
// The most specific unambiguous signature wins; no match yields Raw.
func Detect(buf []byte) Format {
	match := func(magic []byte) bool {
		return len(buf) >= len(magic) && bytes.Equal(buf[:len(magic)], magic)
	}
	switch {
	case match(magicGzip1), match(magicGzip2):
		return Gzip
	case match(magicLZOP):
		return LZOP
	case match(magicXZ):
		return XZ
	case isLZMA(buf):
		return LZMA
	case match(magicBzip2):
		return Bzip2
	case match(magicLZ4F1), match(magicLZ4F2):
		return LZ4
	case match(magicLZ4Legacy):
		return LZ4Legacy
	case match(magicZstd):
		return Zstd
	case match(magicMTK):
		return MTK
	case match(magicDTB):
		return DTB
	default:
		return Raw
	}
}

// isLZMA probes the headerless LZMA1 layout: a 5d 00 00 properties prefix
// and an uncompressed-size field that is either unknown (ff) or zero-padded.
func isLZMA(buf []byte) bool {
	if len(buf) < 13 {
		return false
	}
	if !bytes.Equal(buf[:3], []byte{0x5d, 0x00, 0x00}) {
		return false
	}
	return buf[12] == 0xff || buf[12] == 0x00
}

// DetectLZ4 refines a legacy lz4 match: if the block-size chain does not
// consume the buffer exactly, the stream carries the LG uncompressed-size
// trailer and is the LG variant.
func DetectLZ4(buf []byte) Format {
	f := Detect(buf)
	if f != LZ4Legacy {
		return f
	}
	sz := uint64(len(buf))
	off := uint64(4)
	for off+4 <= sz {
		blockSz := uint64(binary.LittleEndian.Uint32(buf[off:]))
		off += 4
		if off+blockSz > sz {
			return LZ4LG
		}
		off += blockSz
	}
	return LZ4Legacy
}
