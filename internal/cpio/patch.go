package cpio

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/deploymenttheory/go-boot-forge/internal/codec"
	"github.com/deploymenttheory/go-boot-forge/internal/common/cryptoutil"
	"github.com/deploymenttheory/go-boot-forge/internal/format"
	"github.com/deploymenttheory/go-boot-forge/internal/logger"
)

// Reserved backup subtree layout. The naming is byte-compatible with
// previously patched ramdisks, so it must not change.
const (
	backupDir    = ".backup"
	backupPrefix = ".backup/"
	rmListEntry  = ".backup/.rmlist"
	configEntry  = ".backup/.magisk"
)

// Patched init configuration injected by patch. init.rc gains an import of
// this file so the patched init hooks run before the stock boot sequence.
const (
	patchedInitRC   = "init.magisk.rc"
	patchedInitLine = "import /" + patchedInitRC
)

const patchedInitRCContent = `on post-fs-data
    start magisk_daemon

service magisk_daemon /sbin/magisk --daemon
    user root
    seclabel u:r:su:s0
    oneshot
`

// ErrBackupMissing is returned by restore and sha1 when no backup record
// exists inside the archive.
var ErrBackupMissing = errors.New("no backup record in archive")

// Status bits returned by Test.
const (
	StatusPatched     = 1 << 0
	StatusUnsupported = 1 << 1
	StatusSonyLayout  = 1 << 2
)

var patchedMarkers = []string{
	configEntry,
	patchedInitRC,
	"overlay/" + patchedInitRC,
}

var unsupportedMarkers = []string{
	"sbin/launch_daemonsu.sh",
	"sbin/su",
	"init.xposed.rc",
	"boot/sbin/launch_daemonsu.sh",
}

var sonyMarkers = []string{
	"init.real",
	"sbin/ramdisk.cpio",
}

// Test inspects the archive and returns the independent status bits:
// StatusPatched when a prior patch marker is present, StatusUnsupported when
// leftovers of incompatible rooting tools are found, StatusSonyLayout when
// the vendor-specific init layout is detected.
func (a *Archive) Test() int {
	status := 0
	for _, m := range patchedMarkers {
		if a.Exists(m) {
			status |= StatusPatched
			break
		}
	}
	for _, m := range unsupportedMarkers {
		if a.Exists(m) {
			status |= StatusUnsupported
			break
		}
	}
	for _, m := range sonyMarkers {
		if a.Exists(m) {
			status |= StatusSonyLayout
			break
		}
	}
	return status
}

// Patch applies the ramdisk patches: it redirects the init boot sequence
// through the patched init configuration, and strips dm-verity and forced
// encryption from fstab files unless the corresponding keep toggle is set.
// Every entry altered or removed is captured under the backup subtree
// first, and re-running Patch on an already patched archive is a no-op.
func (a *Archive) Patch(keepVerity, keepForceEncrypt bool) {
	logger.LogInfo("Patching ramdisk", map[string]interface{}{
		"keepverity":       keepVerity,
		"keepforceencrypt": keepForceEncrypt,
	})

	a.patchInit()

	for _, name := range a.Names() {
		e := a.entries[name]
		fstab := e.IsReg() &&
			!strings.HasPrefix(name, backupPrefix) &&
			!strings.HasPrefix(name, "twrp") &&
			!strings.HasPrefix(name, "recovery") &&
			strings.HasPrefix(name, "fstab")
		if fstab && (!keepVerity || !keepForceEncrypt) {
			data := e.Data
			if !keepVerity {
				data = stripVerityFlags(data)
			}
			if !keepForceEncrypt {
				data = stripEncryptionFlags(data)
			}
			if !bytes.Equal(data, e.Data) {
				logger.LogInfo("Patching fstab file", map[string]interface{}{"path": name})
				a.stashBackup(name)
				a.entries[name] = &Entry{
					Mode: e.Mode, UID: e.UID, GID: e.GID,
					RDevMajor: e.RDevMajor, RDevMinor: e.RDevMinor,
					MTime: e.MTime, Data: data,
				}
			}
		}
		if !keepVerity && name == "verity_key" {
			a.stashBackup(name)
			a.Rm(name, false)
		}
	}
}

// patchInit rewrites the init launch chain: init.rc imports the patched
// init configuration before anything else runs.
func (a *Archive) patchInit() {
	if rc := a.Get("init.rc"); rc != nil && rc.IsReg() &&
		!bytes.Contains(rc.Data, []byte(patchedInitLine)) {
		a.stashBackup("init.rc")
		a.entries["init.rc"] = &Entry{
			Mode: rc.Mode, UID: rc.UID, GID: rc.GID,
			MTime: rc.MTime, Data: injectImport(rc.Data),
		}
		logger.LogInfo("Patched init.rc", map[string]interface{}{"import": patchedInitLine})
	}
	if !a.Exists(patchedInitRC) {
		a.insert(patchedInitRC, &Entry{Mode: S_IFREG | 0o750, Data: []byte(patchedInitRCContent)})
		a.recordAdded(patchedInitRC)
		logger.LogInfo("Added entry", map[string]interface{}{"path": patchedInitRC})
	}
}

// injectImport places the patched import directly after the last existing
// import line, or at the very top when init.rc has none.
func injectImport(data []byte) []byte {
	lines := bytes.Split(data, []byte("\n"))
	last := -1
	for i, line := range lines {
		if bytes.HasPrefix(bytes.TrimSpace(line), []byte("import ")) {
			last = i
		}
	}
	inserted := [][]byte{[]byte(patchedInitLine)}
	out := make([][]byte, 0, len(lines)+1)
	if last < 0 {
		out = append(out, inserted...)
		out = append(out, lines...)
	} else {
		out = append(out, lines[:last+1]...)
		out = append(out, inserted...)
		out = append(out, lines[last+1:]...)
	}
	return bytes.Join(out, []byte("\n"))
}

// stashBackup copies the current entry at name into the backup subtree,
// unless a backup of that path already exists.
func (a *Archive) stashBackup(name string) {
	dst := backupPrefix + name
	if a.Exists(dst) {
		return
	}
	e, ok := a.entries[name]
	if !ok {
		return
	}
	a.ensureBackupRoot()
	clone := *e
	clone.Data = bytes.Clone(e.Data)
	a.insert(dst, &clone)
	logger.LogInfo("Backed up entry", map[string]interface{}{"path": name, "backup": dst})
}

// recordAdded appends name to the removal manifest so restore can delete
// entries that patching introduced.
func (a *Archive) recordAdded(name string) {
	a.ensureBackupRoot()
	var list []byte
	if e := a.Get(rmListEntry); e != nil {
		list = e.Data
	}
	for _, existing := range bytes.Split(list, []byte{0}) {
		if string(existing) == name {
			return
		}
	}
	list = append(list, name...)
	list = append(list, 0)
	a.insert(rmListEntry, &Entry{Mode: S_IFREG, Data: list})
}

func (a *Archive) ensureBackupRoot() {
	if !a.Exists(backupDir) {
		a.insert(backupDir, &Entry{Mode: S_IFDIR})
	}
}

// Backup computes the difference between the archive and the unpatched
// reference ramdisk at origPath, and records it in the backup subtree:
// entries altered or missing here are stored under .backup/, entries that
// only exist here are listed in the removal manifest, and the reference
// image's SHA-1 is kept as a text entry.
func (a *Archive) Backup(origPath string) error {
	raw, err := os.ReadFile(origPath)
	if err != nil {
		return fmt.Errorf("reading reference ramdisk: %w", err)
	}
	sha, err := cryptoutil.HashBytes(cryptoutil.SHA1, raw)
	if err != nil {
		return err
	}
	if f := format.Detect(raw); f.Compressed() {
		if _, raw, err = codec.Decompress(raw); err != nil {
			return fmt.Errorf("decompressing reference ramdisk: %w", err)
		}
	}
	orig, err := Parse(raw)
	if err != nil {
		return fmt.Errorf("parsing reference ramdisk: %w", err)
	}
	orig.Rm(backupDir, true)
	a.Rm(backupDir, true)
	a.ensureBackupRoot()

	var rmList []byte
	backup := func(name string, e *Entry) {
		clone := *e
		clone.Data = bytes.Clone(e.Data)
		a.insert(backupPrefix+name, &clone)
		logger.LogInfo("Backed up entry", map[string]interface{}{"path": name})
	}
	record := func(name string) {
		rmList = append(rmList, name...)
		rmList = append(rmList, 0)
		logger.LogInfo("Recorded new entry", map[string]interface{}{"path": name})
	}

	lhs, rhs := orig.names, a.Names()
	i, j := 0, 0
	for i < len(lhs) && j < len(rhs) {
		switch {
		case lhs[i] < rhs[j]:
			backup(lhs[i], orig.entries[lhs[i]])
			i++
		case lhs[i] > rhs[j]:
			if !strings.HasPrefix(rhs[j], backupPrefix) && rhs[j] != backupDir {
				record(rhs[j])
			}
			j++
		default:
			le, re := orig.entries[lhs[i]], a.entries[rhs[j]]
			if le.Mode != re.Mode || !bytes.Equal(le.Data, re.Data) {
				backup(lhs[i], le)
			}
			i++
			j++
		}
	}
	for ; i < len(lhs); i++ {
		backup(lhs[i], orig.entries[lhs[i]])
	}
	for ; j < len(rhs); j++ {
		if !strings.HasPrefix(rhs[j], backupPrefix) && rhs[j] != backupDir {
			record(rhs[j])
		}
	}

	if len(rmList) > 0 {
		a.insert(rmListEntry, &Entry{Mode: S_IFREG, Data: rmList})
	}
	a.insert(configEntry, &Entry{Mode: S_IFREG, Data: []byte("SHA1=" + sha + "\n")})
	return nil
}

// Restore is the inverse of Backup and Patch: backed up entries return to
// their original paths, entries named in the removal manifest disappear,
// and the backup subtree itself is removed.
func (a *Archive) Restore() error {
	if !a.hasBackup() {
		return ErrBackupMissing
	}
	var rmList []byte
	type pending struct {
		name  string
		entry *Entry
	}
	var restores []pending
	for _, name := range a.Names() {
		if !strings.HasPrefix(name, backupPrefix) {
			continue
		}
		switch name {
		case rmListEntry:
			rmList = a.entries[name].Data
		case configEntry:
			// Dropped with the rest of the subtree.
		default:
			restores = append(restores, pending{strings.TrimPrefix(name, backupPrefix), a.entries[name]})
		}
	}
	for _, name := range bytes.Split(rmList, []byte{0}) {
		if len(name) > 0 {
			a.Rm(string(name), false)
		}
	}
	a.Rm(backupDir, true)
	for _, p := range restores {
		a.insert(p.name, p.entry)
		logger.LogInfo("Restored entry", map[string]interface{}{"path": p.name})
	}
	return nil
}

// StockSHA1 returns the reference image hash stored by Backup.
func (a *Archive) StockSHA1() (string, error) {
	e := a.Get(configEntry)
	if e == nil {
		return "", ErrBackupMissing
	}
	for _, line := range strings.Split(string(e.Data), "\n") {
		if v, ok := strings.CutPrefix(line, "SHA1="); ok {
			return v, nil
		}
	}
	return "", ErrBackupMissing
}

func (a *Archive) hasBackup() bool {
	if a.Exists(backupDir) {
		return true
	}
	for _, name := range a.names {
		if strings.HasPrefix(name, backupPrefix) {
			return true
		}
	}
	return false
}

// fstab flag prefixes stripped by the verity and encryption patches.
var (
	verityFlagPrefixes = []string{
		"verifyatboot",
		"verify",
		"avb_keys",
		"avb",
		"support_scfs",
		"fsverity",
	}
	encryptFlagPrefixes = []string{
		"forceencrypt",
		"forcefdeorfbe",
		"fileencryption",
	}
)

// stripVerityFlags removes dm-verity and avb mount flags from fstab text.
func stripVerityFlags(data []byte) []byte {
	return patchFstabFlags(data, func(flag []byte) ([]byte, bool) {
		for _, p := range verityFlagPrefixes {
			if flagMatches(flag, p) {
				return nil, true
			}
		}
		return flag, false
	})
}

// stripEncryptionFlags downgrades forced-encryption mount flags to
// encryptable, keeping any key location argument.
func stripEncryptionFlags(data []byte) []byte {
	return patchFstabFlags(data, func(flag []byte) ([]byte, bool) {
		for _, p := range encryptFlagPrefixes {
			if flagMatches(flag, p) {
				if idx := bytes.IndexByte(flag, '='); idx >= 0 {
					return append([]byte("encryptable"), flag[idx:]...), true
				}
				return []byte("encryptable"), true
			}
		}
		return flag, false
	})
}

// flagMatches reports whether flag is exactly prefix or prefix followed by
// an argument separator.
func flagMatches(flag []byte, prefix string) bool {
	if !bytes.HasPrefix(flag, []byte(prefix)) {
		return false
	}
	return len(flag) == len(prefix) || flag[len(prefix)] == '='
}

// patchFstabFlags rewrites the fs_mgr_flags column (5th field) of every
// fstab line through fn, leaving comments and short lines untouched.
func patchFstabFlags(data []byte, fn func(flag []byte) ([]byte, bool)) []byte {
	lines := bytes.Split(data, []byte("\n"))
	out := make([][]byte, 0, len(lines))
	for _, line := range lines {
		trimmed := bytes.TrimSpace(line)
		if len(trimmed) == 0 || trimmed[0] == '#' {
			out = append(out, line)
			continue
		}
		fields := bytes.Fields(line)
		if len(fields) < 5 {
			out = append(out, line)
			continue
		}
		flags := bytes.Split(fields[4], []byte{','})
		newFlags := make([][]byte, 0, len(flags))
		for _, flag := range flags {
			repl, changed := fn(flag)
			if changed {
				logger.LogDebug("Rewrote fstab flag", map[string]interface{}{"flag": string(flag)})
			}
			if repl != nil {
				newFlags = append(newFlags, repl)
			}
		}
		if len(newFlags) == 0 {
			newFlags = append(newFlags, []byte("defaults"))
		}
		fields[4] = bytes.Join(newFlags, []byte{','})
		out = append(out, bytes.Join(fields, []byte{' '}))
	}
	return bytes.Join(out, []byte("\n"))
}
