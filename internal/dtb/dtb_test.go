package dtb

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fdtBuilder assembles a minimal but well-formed flattened device tree for
// tests: header, one empty memory reservation entry, struct block, strings
// block.
type fdtBuilder struct {
	strct   bytes.Buffer
	strs    bytes.Buffer
	strOffs map[string]uint32
}

func newFDTBuilder() *fdtBuilder {
	return &fdtBuilder{strOffs: make(map[string]uint32)}
}

func (b *fdtBuilder) token(v uint32) {
	binary.Write(&b.strct, binary.BigEndian, v)
}

func (b *fdtBuilder) begin(name string) {
	b.token(fdtBeginNode)
	b.strct.WriteString(name)
	b.strct.WriteByte(0)
	for b.strct.Len()%4 != 0 {
		b.strct.WriteByte(0)
	}
}

func (b *fdtBuilder) end() { b.token(fdtEndNode) }

func (b *fdtBuilder) prop(name string, val []byte) {
	off, ok := b.strOffs[name]
	if !ok {
		off = uint32(b.strs.Len())
		b.strOffs[name] = off
		b.strs.WriteString(name)
		b.strs.WriteByte(0)
	}
	b.token(fdtProp)
	binary.Write(&b.strct, binary.BigEndian, uint32(len(val)))
	binary.Write(&b.strct, binary.BigEndian, off)
	b.strct.Write(val)
	for b.strct.Len()%4 != 0 {
		b.strct.WriteByte(0)
	}
}

func (b *fdtBuilder) stringProp(name, val string) {
	b.prop(name, append([]byte(val), 0))
}

func (b *fdtBuilder) build() []byte {
	b.token(fdtEnd)
	const memRsvSize = 16
	offStruct := uint32(fdtHeaderSize + memRsvSize)
	offStrings := offStruct + uint32(b.strct.Len())
	total := offStrings + uint32(b.strs.Len())

	var out bytes.Buffer
	binary.Write(&out, binary.BigEndian, fdtHeader{
		Magic:           fdtMagic,
		TotalSize:       total,
		OffDTStruct:     offStruct,
		OffDTStrings:    offStrings,
		OffMemRsvmap:    fdtHeaderSize,
		Version:         17,
		LastCompVersion: 16,
		SizeDTStrings:   uint32(b.strs.Len()),
		SizeDTStruct:    uint32(b.strct.Len()),
	})
	out.Write(make([]byte, memRsvSize))
	out.Write(b.strct.Bytes())
	out.Write(b.strs.Bytes())
	return out.Bytes()
}

func fstabBlob(flags string) []byte {
	b := newFDTBuilder()
	b.begin("")
	b.stringProp("model", "test board")
	b.begin("firmware")
	b.begin("android")
	b.begin("fstab")
	b.stringProp("compatible", "android,fstab")
	b.begin("vendor")
	b.stringProp("compatible", "android,vendor")
	b.stringProp("dev", "/dev/block/by-name/vendor")
	b.stringProp("mnt_point", "/vendor")
	b.stringProp("fsmgr_flags", flags)
	b.end() // vendor
	b.end() // fstab
	b.end() // android
	b.end() // firmware
	b.end() // root
	return b.build()
}

func writeBlob(t *testing.T, blob []byte) string {
	t.Helper()
	file := filepath.Join(t.TempDir(), "dtb")
	require.NoError(t, os.WriteFile(file, blob, 0644))
	return file
}

func TestParseAll(t *testing.T) {
	trees, err := ParseAll(fstabBlob("wait,avb"))
	require.NoError(t, err)
	require.Len(t, trees, 1)

	tr := trees[0]
	nodes := tr.fstabNodes()
	require.Len(t, nodes, 1)
	assert.Equal(t, "fstab", tr.Nodes[nodes[0]].Name)
	assert.Equal(t, "/firmware/android/fstab", tr.Path(nodes[0]))

	entries := tr.Nodes[nodes[0]].Children
	require.Len(t, entries, 1)
	p := tr.Prop(entries[0], "fsmgr_flags")
	require.NotNil(t, p)
	assert.Equal(t, "wait,avb", string(bytes.TrimRight(p.Value, "\x00")))
}

func TestParseAllMultipleBlobs(t *testing.T) {
	joined := append(fstabBlob("wait"), fstabBlob("wait,verify")...)
	trees, err := ParseAll(joined)
	require.NoError(t, err)
	assert.Len(t, trees, 2)
}

func TestParseAllRejectsNonDTB(t *testing.T) {
	_, err := ParseAll([]byte("nothing to see here"))
	assert.ErrorIs(t, err, ErrNotDTB)
}

func TestPatchRemovesVerityFlags(t *testing.T) {
	blob := fstabBlob("wait,slotselect,avb,verify")
	file := writeBlob(t, blob)

	patched, err := Patch(file, false)
	require.NoError(t, err)
	assert.True(t, patched)

	out, err := os.ReadFile(file)
	require.NoError(t, err)
	// In-place patching never changes the file size.
	require.Len(t, out, len(blob))

	trees, err := ParseAll(out)
	require.NoError(t, err)
	tr := trees[0]
	entry := tr.Nodes[tr.fstabNodes()[0]].Children[0]
	flags := tr.Prop(entry, "fsmgr_flags").Value
	assert.Equal(t, "wait,slotselect", string(bytes.TrimRight(flags, "\x00")))

	ok, err := Test(file)
	require.NoError(t, err)
	assert.True(t, ok)

	// Re-running finds nothing left to patch.
	patched, err = Patch(file, false)
	require.NoError(t, err)
	assert.False(t, patched)
}

func TestPatchKeepVerity(t *testing.T) {
	blob := fstabBlob("wait,verify")
	file := writeBlob(t, blob)

	patched, err := Patch(file, true)
	require.NoError(t, err)
	assert.False(t, patched)

	out, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Equal(t, blob, out)
}

func TestPatchFlagArguments(t *testing.T) {
	file := writeBlob(t, fstabBlob("wait,avb_keys=/avb/q-gsi.avbpubkey,avb,check"))

	patched, err := Patch(file, false)
	require.NoError(t, err)
	assert.True(t, patched)

	out, err := os.ReadFile(file)
	require.NoError(t, err)
	trees, err := ParseAll(out)
	require.NoError(t, err)
	tr := trees[0]
	entry := tr.Nodes[tr.fstabNodes()[0]].Children[0]
	flags := tr.Prop(entry, "fsmgr_flags").Value
	assert.Equal(t, "wait,check", string(bytes.TrimRight(flags, "\x00")))
}

func TestTestStatus(t *testing.T) {
	// Active verity flag: not ready.
	ok, err := Test(writeBlob(t, fstabBlob("wait,verify")))
	require.NoError(t, err)
	assert.False(t, ok)

	// No verity flags at all: ready.
	ok, err = Test(writeBlob(t, fstabBlob("wait")))
	require.NoError(t, err)
	assert.True(t, ok)

	// No fstab anywhere: not ready.
	b := newFDTBuilder()
	b.begin("")
	b.stringProp("model", "no fstab")
	b.end()
	ok, err = Test(writeBlob(t, b.build()))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRender(t *testing.T) {
	trees, err := ParseAll(fstabBlob("wait"))
	require.NoError(t, err)

	var sb strings.Builder
	trees[0].Render(&sb, 0, 0)
	dump := sb.String()
	assert.Contains(t, dump, `model = "test board";`)
	assert.Contains(t, dump, "fstab {")
	assert.Contains(t, dump, `fsmgr_flags = "wait";`)
}
