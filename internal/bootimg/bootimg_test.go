package bootimg

import (
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/go-boot-forge/internal/codec"
	"github.com/deploymenttheory/go-boot-forge/internal/format"
)

const testPage = 2048

func padPage(buf *bytes.Buffer) {
	if n := buf.Len() % testPage; n != 0 {
		buf.Write(make([]byte, testPage-n))
	}
}

// buildV0 assembles a v0 boot image with the given components.
func buildV0(t *testing.T, kernel, ramdisk, second []byte) []byte {
	t.Helper()
	var h hdrV0
	copy(h.Magic[:], bootMagic)
	h.KernelSize = uint32(len(kernel))
	h.RamdiskSize = uint32(len(ramdisk))
	h.SecondSize = uint32(len(second))
	h.PageSize = testPage
	h.OSVersion = encodePatchLevel(encodeOSVersion(0, "11.0.0"), "2021-03")
	copy(h.Cmdline[:], "console=ttyMSM0 androidboot.hardware=qcom")

	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, h))
	padPage(&buf)
	for _, blk := range [][]byte{kernel, ramdisk, second} {
		buf.Write(blk)
		padPage(&buf)
	}
	return buf.Bytes()
}

func buildV3(t *testing.T, kernel, ramdisk []byte) []byte {
	t.Helper()
	var h hdrV3
	copy(h.Magic[:], bootMagic)
	h.KernelSize = uint32(len(kernel))
	h.RamdiskSize = uint32(len(ramdisk))
	h.HeaderVersion = 3
	h.HeaderSize = uint32(binary.Size(h))
	copy(h.Cmdline[:], "androidboot.hardware=generic")

	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, h))
	pad := func() {
		if n := buf.Len() % v3PageSize; n != 0 {
			buf.Write(make([]byte, v3PageSize-n))
		}
	}
	pad()
	buf.Write(kernel)
	pad()
	buf.Write(ramdisk)
	pad()
	return buf.Bytes()
}

func chdir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	old, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(old) })
	return dir
}

func writeImage(t *testing.T, dir string, img []byte) string {
	t.Helper()
	path := filepath.Join(dir, "boot.img")
	require.NoError(t, os.WriteFile(path, img, 0644))
	return path
}

func TestOpenV0(t *testing.T) {
	dir := t.TempDir()
	kernel := []byte("kernel payload")
	ramdisk := []byte("ramdisk payload")
	path := writeImage(t, dir, buildV0(t, kernel, ramdisk, nil))

	img, err := Open(path)
	require.NoError(t, err)
	defer img.Close()

	assert.EqualValues(t, 0, img.Hdr.Version())
	assert.False(t, img.Hdr.IsVendor())
	assert.EqualValues(t, testPage, img.Hdr.PageSize())
	assert.Equal(t, kernel, img.Kernel)
	assert.Equal(t, ramdisk, img.Ramdisk)
	assert.Empty(t, img.Second)
	assert.Equal(t, format.Raw, img.KFmt)
	assert.Equal(t, "console=ttyMSM0 androidboot.hardware=qcom", img.Hdr.Cmdline())
	assert.Equal(t, "11.0.0", decodeOSVersion(img.Hdr.OSVersion()))
	assert.Equal(t, "2021-03", decodePatchLevel(img.Hdr.OSVersion()))
}

func TestOpenBadMagic(t *testing.T) {
	dir := t.TempDir()
	path := writeImage(t, dir, bytes.Repeat([]byte{0x5a}, 8192))

	_, err := Open(path)
	assert.ErrorIs(t, err, ErrBadImage)
}

func TestUnpackRepackRoundTrip(t *testing.T) {
	dir := chdir(t)
	kernel := []byte("uncompressed kernel image")
	ramdiskRaw := bytes.Repeat([]byte("ramdisk content "), 256)
	ramdisk, err := codec.Compress(format.Gzip, ramdiskRaw)
	require.NoError(t, err)
	path := writeImage(t, dir, buildV0(t, kernel, ramdisk, []byte("second stage")))

	status, err := Unpack(path, false, true)
	require.NoError(t, err)
	require.Equal(t, 0, status)

	// Components land decompressed in the working directory.
	got, err := os.ReadFile(RamdiskFile)
	require.NoError(t, err)
	assert.Equal(t, ramdiskRaw, got)
	got, err = os.ReadFile(KernelFile)
	require.NoError(t, err)
	assert.Equal(t, kernel, got)
	assert.FileExists(t, HeaderFile)

	out := filepath.Join(dir, NewBootFile)
	require.NoError(t, Repack(path, out, false))

	re, err := Open(out)
	require.NoError(t, err)
	defer re.Close()

	assert.Equal(t, kernel, re.Kernel)
	assert.Equal(t, format.Gzip, re.RFmt)
	_, dec, err := codec.Decompress(re.Ramdisk)
	require.NoError(t, err)
	assert.Equal(t, ramdiskRaw, dec)
	assert.Equal(t, []byte("second stage"), re.Second)

	// Content id covers the stored components plus their length words.
	h := sha1.New()
	for _, blk := range [][]byte{re.Kernel, re.Ramdisk, re.Second} {
		h.Write(blk)
		var le [4]byte
		binary.LittleEndian.PutUint32(le[:], uint32(len(blk)))
		h.Write(le[:])
	}
	assert.Equal(t, h.Sum(nil), re.Hdr.ID()[:sha1.Size])
}

func TestRepackHeaderFileEdits(t *testing.T) {
	dir := chdir(t)
	path := writeImage(t, dir, buildV0(t, []byte("kernel"), []byte("ramdisk"), nil))

	status, err := Unpack(path, false, true)
	require.NoError(t, err)
	require.Equal(t, 0, status)

	hdrText, err := os.ReadFile(HeaderFile)
	require.NoError(t, err)
	edited := bytes.Replace(hdrText,
		[]byte("console=ttyMSM0 androidboot.hardware=qcom"),
		[]byte("androidboot.hardware=qcom quiet"), 1)
	require.NoError(t, os.WriteFile(HeaderFile, edited, 0644))

	out := filepath.Join(dir, NewBootFile)
	require.NoError(t, Repack(path, out, false))

	re, err := Open(out)
	require.NoError(t, err)
	defer re.Close()
	assert.Equal(t, "androidboot.hardware=qcom quiet", re.Hdr.Cmdline())
}

func TestUnpackChromeOS(t *testing.T) {
	dir := chdir(t)
	img := buildV0(t, []byte("kernel"), []byte("ramdisk"), nil)
	wrapped := append([]byte("CHROMEOS\x00\x00\x00\x00\x00\x00\x00\x00"), img...)
	path := writeImage(t, dir, wrapped)

	status, err := Unpack(path, false, false)
	require.NoError(t, err)
	assert.Equal(t, 2, status)

	// The image still unpacks normally.
	got, err := os.ReadFile(KernelFile)
	require.NoError(t, err)
	assert.Equal(t, []byte("kernel"), got)
}

func TestOpenV3(t *testing.T) {
	dir := t.TempDir()
	path := writeImage(t, dir, buildV3(t, []byte("v3 kernel"), []byte("v3 ramdisk")))

	img, err := Open(path)
	require.NoError(t, err)
	defer img.Close()

	assert.EqualValues(t, 3, img.Hdr.Version())
	assert.EqualValues(t, v3PageSize, img.Hdr.PageSize())
	assert.Equal(t, []byte("v3 kernel"), img.Kernel)
	assert.Equal(t, []byte("v3 ramdisk"), img.Ramdisk)
	assert.Nil(t, img.Hdr.ID())
}

func TestTailPreserved(t *testing.T) {
	dir := chdir(t)
	img := buildV0(t, []byte("kernel"), []byte("ramdisk"), nil)
	img = append(img, seandroidMagic...)
	path := writeImage(t, dir, img)

	parsed, err := Open(path)
	require.NoError(t, err)
	assert.True(t, parsed.Flags.SEAndroid)
	parsed.Close()

	status, err := Unpack(path, false, false)
	require.NoError(t, err)
	require.Equal(t, 0, status)
	out := filepath.Join(dir, NewBootFile)
	require.NoError(t, Repack(path, out, false))

	repacked, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.True(t, bytes.HasSuffix(repacked, seandroidMagic))
}

func TestHexPatch(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "blob")
	require.NoError(t, os.WriteFile(file, []byte("skip_initramfs rest of cmdline"), 0644))

	patched, err := HexPatch(file,
		hex.EncodeToString([]byte("skip_initramfs")),
		hex.EncodeToString([]byte("want_initramfs")))
	require.NoError(t, err)
	assert.True(t, patched)

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Equal(t, []byte("want_initramfs rest of cmdline"), data)

	// Pattern absent: no match, no error.
	patched, err = HexPatch(file, hex.EncodeToString([]byte("missing")), hex.EncodeToString([]byte("1234567")))
	require.NoError(t, err)
	assert.False(t, patched)

	// Length mismatch is refused before any write.
	_, err = HexPatch(file, "aabb", "aa")
	assert.Error(t, err)
}

func TestFindDTBOffset(t *testing.T) {
	fdt := make([]byte, 64)
	binary.BigEndian.PutUint32(fdt[0:], 0xd00dfeed)
	binary.BigEndian.PutUint32(fdt[4:], 64) // totalsize
	binary.BigEndian.PutUint32(fdt[8:], 40) // off_dt_struct
	binary.BigEndian.PutUint32(fdt[40:], 0x1)

	buf := append([]byte("some kernel bytes padding out front"), fdt...)
	assert.Equal(t, 35, FindDTBOffset(buf))

	assert.Equal(t, -1, FindDTBOffset([]byte("no tree here")))

	// A bare magic with a broken header is not a device tree.
	junk := append([]byte{0xd0, 0x0d, 0xfe, 0xed}, bytes.Repeat([]byte{0xff}, 60)...)
	assert.Equal(t, -1, FindDTBOffset(junk))
}

func TestSplitImageDTB(t *testing.T) {
	dir := chdir(t)

	fdt := make([]byte, 64)
	binary.BigEndian.PutUint32(fdt[0:], 0xd00dfeed)
	binary.BigEndian.PutUint32(fdt[4:], 64)
	binary.BigEndian.PutUint32(fdt[8:], 40)
	binary.BigEndian.PutUint32(fdt[40:], 0x1)

	kernel := []byte("raw kernel part")
	file := filepath.Join(dir, "zimage")
	require.NoError(t, os.WriteFile(file, append(kernel, fdt...), 0644))

	status, err := SplitImageDTB(file, false)
	require.NoError(t, err)
	require.Equal(t, 0, status)

	got, err := os.ReadFile(KernelFile)
	require.NoError(t, err)
	assert.Equal(t, kernel, got)
	got, err = os.ReadFile(KernelDtbFile)
	require.NoError(t, err)
	assert.Equal(t, fdt, got)

	// No device tree: status 1.
	plain := filepath.Join(dir, "plain")
	require.NoError(t, os.WriteFile(plain, kernel, 0644))
	status, err = SplitImageDTB(plain, false)
	assert.Error(t, err)
	assert.Equal(t, 1, status)
}

func TestPatchVbmeta(t *testing.T) {
	blk := make([]byte, 256)
	copy(blk, avbMagic)
	patchVbmeta(blk)
	assert.EqualValues(t, 3, binary.BigEndian.Uint32(blk[120:]))
}

func TestHeaderFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "header")

	h := &Header{kind: kindBoot, version: 2}
	h.SetName("oriole")
	h.SetCmdline("androidboot.hardware=oriole")
	h.SetOSVersion(encodePatchLevel(encodeOSVersion(0, "13.0.0"), "2023-05"))
	require.NoError(t, h.DumpHeaderFile(file))

	fresh := &Header{kind: kindBoot, version: 2}
	require.NoError(t, fresh.LoadHeaderFile(file))
	assert.Equal(t, "oriole", fresh.Name())
	assert.Equal(t, "androidboot.hardware=oriole", fresh.Cmdline())
	assert.Equal(t, "13.0.0", decodeOSVersion(fresh.OSVersion()))
	assert.Equal(t, "2023-05", decodePatchLevel(fresh.OSVersion()))
}

func TestMTKWrapperRoundTrip(t *testing.T) {
	dir := chdir(t)

	mtk := make([]byte, mtkHdrSize)
	copy(mtk, []byte{0x88, 0x16, 0x88, 0x58})
	copy(mtk[8:], "ROOTFS")
	ramdisk := []byte("mtk wrapped ramdisk")
	binary.LittleEndian.PutUint32(mtk[4:], uint32(len(ramdisk)))

	img := buildV0(t, []byte("kernel"), append(mtk, ramdisk...), nil)
	path := writeImage(t, dir, img)

	parsed, err := Open(path)
	require.NoError(t, err)
	assert.True(t, parsed.Flags.MTKRamdisk)
	assert.Equal(t, ramdisk, parsed.Ramdisk)
	parsed.Close()

	status, err := Unpack(path, false, false)
	require.NoError(t, err)
	require.Equal(t, 0, status)
	out := filepath.Join(dir, NewBootFile)
	require.NoError(t, Repack(path, out, false))

	re, err := Open(out)
	require.NoError(t, err)
	defer re.Close()
	assert.True(t, re.Flags.MTKRamdisk)
	assert.Equal(t, ramdisk, re.Ramdisk)
	assert.Equal(t, "ROOTFS", cFieldString(re.RamdiskMTKHdr[8:40]))
}
