package cpio

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testArchive() *Archive {
	a := New()
	a.Mkdir(0o755, "etc")
	a.insert("etc/fstab.qcom", &Entry{
		Mode: S_IFREG | 0o644,
		Data: []byte("/dev/block/system /system ext4 ro wait,verify\n"),
	})
	a.insert("init", &Entry{Mode: S_IFREG | 0o750, Data: []byte("#!/init\n")})
	a.Ln("/init", "sbin/boot")
	return a
}

func TestSerializeParseRoundTrip(t *testing.T) {
	a := testArchive()
	b, err := Parse(a.Serialize())
	require.NoError(t, err)

	assert.Equal(t, a.Names(), b.Names())
	for _, name := range a.Names() {
		ae, be := a.Get(name), b.Get(name)
		assert.Equal(t, ae.Mode, be.Mode, name)
		assert.Equal(t, ae.Data, be.Data, name)
	}
	// Serialization is deterministic.
	assert.Equal(t, a.Serialize(), b.Serialize())
}

func TestParseRejectsGarbage(t *testing.T) {
	_, err := Parse([]byte("0707ZZnot a cpio archive at all, padded to a header size....." +
		"............................................................"))
	assert.ErrorIs(t, err, ErrBadArchive)
}

func TestParseConcatenatedArchives(t *testing.T) {
	first := New()
	first.insert("a", &Entry{Mode: S_IFREG | 0o644, Data: []byte("one")})
	second := New()
	second.insert("b", &Entry{Mode: S_IFREG | 0o644, Data: []byte("two")})

	joined := append(first.Serialize(), second.Serialize()...)
	a, err := Parse(joined)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, a.Names())
}

func TestRmMvExists(t *testing.T) {
	a := testArchive()

	assert.True(t, a.Exists("init"))
	assert.True(t, a.Exists("/init"), "paths normalize leading slashes")

	require.NoError(t, a.Mv("init", "init.real"))
	assert.False(t, a.Exists("init"))
	assert.True(t, a.Exists("init.real"))
	assert.ErrorIs(t, a.Mv("missing", "anywhere"), ErrEntryNotFound)

	// rm of a missing path is a silent no-op.
	a.Rm("missing", false)

	a.Rm("etc", true)
	assert.False(t, a.Exists("etc"))
	assert.False(t, a.Exists("etc/fstab.qcom"))
}

func TestAddCreatesParents(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "su")
	require.NoError(t, os.WriteFile(src, []byte("#!/system/bin/sh\n"), 0o644))

	a := New()
	require.NoError(t, a.Add(0o755, "system/xbin/su", src))

	assert.True(t, a.Exists("system"))
	assert.True(t, a.Exists("system/xbin"))
	e := a.Get("system/xbin/su")
	require.NotNil(t, e)
	assert.True(t, e.IsReg())
	assert.EqualValues(t, S_IFREG|0o755, e.Mode)
}

func TestExtractEntry(t *testing.T) {
	dir := t.TempDir()
	a := testArchive()

	out := filepath.Join(dir, "fstab")
	require.NoError(t, a.ExtractEntry("etc/fstab.qcom", out))
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, a.Get("etc/fstab.qcom").Data, data)

	link := filepath.Join(dir, "boot")
	require.NoError(t, a.ExtractEntry("sbin/boot", link))
	target, err := os.Readlink(link)
	require.NoError(t, err)
	assert.Equal(t, "/init", target)

	assert.ErrorIs(t, a.ExtractEntry("nope", filepath.Join(dir, "nope")), ErrEntryNotFound)
}

func TestList(t *testing.T) {
	a := testArchive()

	top := a.List("/", false)
	require.Len(t, top, 2) // etc, init
	all := a.List("/", true)
	require.Len(t, all, len(a.Names()))

	sub := a.List("etc", true)
	require.Len(t, sub, 2)
	assert.Contains(t, sub[0], "etc")

	link := a.List("sbin/boot", false)
	require.Len(t, link, 1)
	assert.Contains(t, link[0], "-> /init")
}

func TestRunCommandSequence(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "ramdisk.cpio")
	require.NoError(t, testArchive().Save(file))

	status, err := Run(file, []string{
		"mkdir 0750 overlay",
		"ln /sbin/magisk overlay/magisk",
		"mv init init.real",
		"rm -r etc",
	})
	require.NoError(t, err)
	assert.Equal(t, 0, status)

	a, err := Load(file)
	require.NoError(t, err)
	assert.True(t, a.Exists("overlay"))
	assert.True(t, a.Exists("overlay/magisk"))
	assert.True(t, a.Exists("init.real"))
	assert.False(t, a.Exists("etc/fstab.qcom"))
}

func TestRunStatusCommandsDoNotSave(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "ramdisk.cpio")
	require.NoError(t, testArchive().Save(file))
	before, err := os.ReadFile(file)
	require.NoError(t, err)

	status, err := Run(file, []string{"exists init"})
	require.NoError(t, err)
	assert.Equal(t, 0, status)

	status, err = Run(file, []string{"exists nope", "rm init"})
	require.NoError(t, err)
	assert.Equal(t, 1, status)

	after, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Equal(t, before, after, "status commands must not rewrite the archive")
}

func TestRunRejectsMalformedCommand(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "ramdisk.cpio")
	require.NoError(t, testArchive().Save(file))

	_, err := Run(file, []string{"mkdir"})
	assert.Error(t, err)
	_, err = Run(file, []string{"frobnicate x"})
	assert.Error(t, err)
}
