package codec

import (
	"bytes"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/go-boot-forge/internal/format"
)

var sample = bytes.Repeat([]byte("boot image payload with plenty of repetition\n"), 400)

func TestRoundTrips(t *testing.T) {
	cases := []struct {
		f format.Format
		// what Decompress detects the output as
		detected format.Format
	}{
		{format.Gzip, format.Gzip},
		{format.Zopfli, format.Gzip},
		{format.XZ, format.XZ},
		{format.LZMA, format.LZMA},
		{format.Bzip2, format.Bzip2},
		{format.LZ4, format.LZ4},
		{format.LZ4Legacy, format.LZ4Legacy},
		{format.LZ4LG, format.LZ4LG},
		{format.Zstd, format.Zstd},
	}
	for _, tc := range cases {
		t.Run(tc.f.String(), func(t *testing.T) {
			enc, err := Compress(tc.f, sample)
			require.NoError(t, err)
			require.NotEmpty(t, enc)

			detected, dec, err := Decompress(enc)
			require.NoError(t, err)
			assert.Equal(t, tc.detected, detected)
			assert.Equal(t, sample, dec)
		})
	}
}

func TestLZ4LegacyIncompressible(t *testing.T) {
	// Pseudo random bytes defeat the block compressor, forcing the
	// literal-only block encoding.
	rng := rand.New(rand.NewSource(42))
	data := make([]byte, 100000)
	_, err := rng.Read(data)
	require.NoError(t, err)

	enc, err := Compress(format.LZ4Legacy, data)
	require.NoError(t, err)
	_, dec, err := Decompress(enc)
	require.NoError(t, err)
	assert.Equal(t, data, dec)
}

func TestDecompressRejectsRaw(t *testing.T) {
	_, _, err := Decompress([]byte("definitely not compressed"))
	assert.ErrorIs(t, err, ErrUnknownFormat)
}

func TestEncoderRejectsLZOP(t *testing.T) {
	_, err := NewEncoder(format.LZOP, &bytes.Buffer{})
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestCompressFileReplacesInput(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "file.bin")
	require.NoError(t, os.WriteFile(in, sample, 0644))

	require.NoError(t, CompressFile("xz", in, ""))
	assert.NoFileExists(t, in)
	assert.FileExists(t, in+".xz")

	require.NoError(t, DecompressFile(in+".xz", ""))
	assert.NoFileExists(t, in+".xz")
	out, err := os.ReadFile(in)
	require.NoError(t, err)
	assert.Equal(t, sample, out)
}

func TestCompressFileExplicitOutput(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "ramdisk")
	out := filepath.Join(dir, "ramdisk.packed")
	require.NoError(t, os.WriteFile(in, sample, 0644))

	require.NoError(t, CompressFile("gzip", in, out))
	// An explicit output path leaves the input alone.
	assert.FileExists(t, in)

	enc, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, format.Gzip, format.Detect(enc))
}

func TestDecompressFileRequiresSuffix(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "blob.weird")
	enc, err := Compress(format.Gzip, sample)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(in, enc, 0644))

	err = DecompressFile(in, "")
	assert.Error(t, err)
	// With an explicit output the suffix does not matter.
	require.NoError(t, DecompressFile(in, filepath.Join(dir, "blob")))
	out, err := os.ReadFile(filepath.Join(dir, "blob"))
	require.NoError(t, err)
	assert.Equal(t, sample, out)
}

func TestDecompressStream(t *testing.T) {
	enc, err := Compress(format.Zstd, sample)
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, DecompressStream(format.Zstd, enc, &out))
	assert.Equal(t, sample, out.Bytes())
}
