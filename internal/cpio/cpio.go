// Package cpio implements an in-memory editor for newc (070701) cpio
// archives, the container format of Android ramdisks. An archive is loaded
// once per invocation, mutated by a sequence of commands, and serialized
// back to its source file.
package cpio

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/deploymenttheory/go-boot-forge/internal/common/fsutil"
	"github.com/deploymenttheory/go-boot-forge/internal/logger"
)

// File type and permission bits as encoded in cpio mode fields.
const (
	S_IFMT  = 0o170000
	S_IFDIR = 0o040000
	S_IFREG = 0o100000
	S_IFLNK = 0o120000
	S_IFBLK = 0o060000
	S_IFCHR = 0o020000
)

const (
	newcMagic   = "070701"
	newcHdrSize = 110
	trailerName = "TRAILER!!!"
)

var (
	// ErrEntryNotFound is returned by operations that require an existing path.
	ErrEntryNotFound = errors.New("no such entry in archive")

	// ErrBadArchive is returned when the byte stream is not a newc archive.
	ErrBadArchive = errors.New("invalid cpio magic")
)

// Entry is a single archive member. Data holds file payload for regular
// files and the link target for symlinks.
type Entry struct {
	Mode      uint32
	UID       uint32
	GID       uint32
	RDevMajor uint32
	RDevMinor uint32
	MTime     int64
	Data      []byte
}

// IsDir reports whether the entry is a directory.
func (e *Entry) IsDir() bool { return e.Mode&S_IFMT == S_IFDIR }

// IsReg reports whether the entry is a regular file.
func (e *Entry) IsReg() bool { return e.Mode&S_IFMT == S_IFREG }

// IsLink reports whether the entry is a symlink.
func (e *Entry) IsLink() bool { return e.Mode&S_IFMT == S_IFLNK }

// Archive is an ordered mapping of path to entry. Paths are kept sorted so
// serialization is deterministic and backup diffs can walk two archives in
// lockstep.
type Archive struct {
	entries map[string]*Entry
	names   []string
}

// New returns an empty archive.
func New() *Archive {
	return &Archive{entries: make(map[string]*Entry)}
}

// Parse builds an archive from serialized newc bytes. Multiple concatenated
// archives are folded into one, matching the original tool.
func Parse(data []byte) (*Archive, error) {
	a := New()
	pos := 0
	for pos+newcHdrSize <= len(data) {
		hdr := data[pos : pos+newcHdrSize]
		if string(hdr[:6]) != newcMagic {
			return nil, fmt.Errorf("%w at offset %d", ErrBadArchive, pos)
		}
		field := func(i int) (uint32, error) {
			v, err := strconv.ParseUint(string(hdr[6+i*8:6+(i+1)*8]), 16, 32)
			if err != nil {
				return 0, fmt.Errorf("%w: bad header field", ErrBadArchive)
			}
			return uint32(v), nil
		}
		var fields [13]uint32
		for i := range fields {
			v, err := field(i)
			if err != nil {
				return nil, err
			}
			fields[i] = v
		}
		mode, uid, gid := fields[1], fields[2], fields[3]
		mtime, fileSize := fields[5], fields[6]
		rdevMajor, rdevMinor := fields[9], fields[10]
		nameSize := fields[11]

		pos += newcHdrSize
		if pos+int(nameSize) > len(data) {
			return nil, fmt.Errorf("%w: truncated name", ErrBadArchive)
		}
		name := strings.TrimRight(string(data[pos:pos+int(nameSize)]), "\x00")
		pos = align4(pos + int(nameSize))

		if name == trailerName {
			// Concatenated archives: skip to the next header, if any.
			next := bytes.Index(data[pos:], []byte(newcMagic))
			if next < 0 {
				break
			}
			pos += next
			continue
		}
		if pos+int(fileSize) > len(data) {
			return nil, fmt.Errorf("%w: truncated data for %s", ErrBadArchive, name)
		}
		if name != "." && name != ".." {
			a.insert(name, &Entry{
				Mode:      mode,
				UID:       uid,
				GID:       gid,
				RDevMajor: rdevMajor,
				RDevMinor: rdevMinor,
				MTime:     int64(mtime),
				// nil, not an empty slice, for zero-length payloads so a
				// parsed archive compares equal to the one that produced it.
				Data:      append([]byte(nil), data[pos:pos+int(fileSize)]...),
			})
		}
		pos = align4(pos + int(fileSize))
	}
	return a, nil
}

// Load reads and parses the archive at path.
func Load(p string) (*Archive, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("loading cpio %s: %w", p, err)
	}
	a, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parsing cpio %s: %w", p, err)
	}
	logger.LogDebug("Loaded cpio archive", map[string]interface{}{
		"path":    p,
		"entries": len(a.names),
	})
	return a, nil
}

// Serialize renders the archive back to newc bytes.
func (a *Archive) Serialize() []byte {
	var buf bytes.Buffer
	ino := 300000
	writeEntry := func(name string, mode, uid, gid, rdevMajor, rdevMinor uint32, mtime int64, data []byte) {
		fmt.Fprintf(&buf, "%s%08x%08x%08x%08x%08x%08x%08x%08x%08x%08x%08x%08x%08x",
			newcMagic,
			ino,
			mode,
			uid,
			gid,
			1, // nlink
			mtime,
			len(data),
			0, // devmajor
			0, // devminor
			rdevMajor,
			rdevMinor,
			len(name)+1,
			0, // checksum
		)
		buf.WriteString(name)
		buf.WriteByte(0)
		pad(&buf)
		buf.Write(data)
		pad(&buf)
		ino++
	}
	for _, name := range a.names {
		e := a.entries[name]
		writeEntry(name, e.Mode, e.UID, e.GID, e.RDevMajor, e.RDevMinor, e.MTime, e.Data)
	}
	writeEntry(trailerName, 0o755, 0, 0, 0, 0, 0, nil)
	return buf.Bytes()
}

// Save serializes the archive and writes it back to path.
func (a *Archive) Save(p string) error {
	if err := os.WriteFile(p, a.Serialize(), 0o644); err != nil {
		return fmt.Errorf("dumping cpio %s: %w", p, err)
	}
	logger.LogDebug("Dumped cpio archive", map[string]interface{}{
		"path":    p,
		"entries": len(a.names),
	})
	return nil
}

// Names returns the entry paths in archive order.
func (a *Archive) Names() []string {
	out := make([]string, len(a.names))
	copy(out, a.names)
	return out
}

// Get returns the entry for path, or nil.
func (a *Archive) Get(p string) *Entry {
	return a.entries[normPath(p)]
}

// Exists reports whether path is present.
func (a *Archive) Exists(p string) bool {
	_, ok := a.entries[normPath(p)]
	return ok
}

// Rm removes path, and with recursive also every descendant. Missing paths
// are a silent no-op: this operation never fails an invocation.
func (a *Archive) Rm(p string, recursive bool) {
	p = normPath(p)
	if _, ok := a.entries[p]; ok {
		a.remove(p)
		logger.LogInfo("Removed entry", map[string]interface{}{"path": p})
	}
	if recursive {
		prefix := p + "/"
		for _, name := range a.Names() {
			if strings.HasPrefix(name, prefix) {
				a.remove(name)
				logger.LogInfo("Removed entry", map[string]interface{}{"path": name})
			}
		}
	}
}

// Mkdir inserts or replaces a directory entry with the given permissions.
func (a *Archive) Mkdir(mode uint32, p string) {
	a.insert(normPath(p), &Entry{Mode: mode&0o7777 | S_IFDIR})
	logger.LogInfo("Created directory", map[string]interface{}{
		"path": normPath(p),
		"mode": fmt.Sprintf("%04o", mode),
	})
}

// Ln inserts a symlink entry at path pointing at target. The target is
// stored verbatim and never validated against other entries.
func (a *Archive) Ln(target, p string) {
	a.insert(normPath(p), &Entry{Mode: S_IFLNK, Data: []byte(target)})
	logger.LogInfo("Created symlink", map[string]interface{}{
		"path":   normPath(p),
		"target": target,
	})
}

// Mv renames from to to, replacing any existing destination entry.
func (a *Archive) Mv(from, to string) error {
	from, to = normPath(from), normPath(to)
	e, ok := a.entries[from]
	if !ok {
		return fmt.Errorf("%w: %s", ErrEntryNotFound, from)
	}
	a.remove(from)
	a.insert(to, e)
	logger.LogInfo("Moved entry", map[string]interface{}{"from": from, "to": to})
	return nil
}

// Add reads infile from the host filesystem and inserts it as a regular
// file entry at path with the given permission bits.
func (a *Archive) Add(mode uint32, p, infile string) error {
	if strings.HasSuffix(p, "/") {
		return fmt.Errorf("invalid entry path %q: trailing slash", p)
	}
	data, err := os.ReadFile(infile)
	if err != nil {
		return fmt.Errorf("reading %s: %w", infile, err)
	}
	p = normPath(p)
	a.mkdirParents(p)
	a.insert(p, &Entry{
		Mode:  mode&0o7777 | S_IFREG,
		MTime: time.Now().Unix(),
		Data:  data,
	})
	logger.LogInfo("Added file", map[string]interface{}{
		"path": p,
		"mode": fmt.Sprintf("%04o", mode),
		"size": len(data),
	})
	return nil
}

// ExtractEntry writes the entry at path to the host path out, preserving
// permission bits where the target filesystem allows.
func (a *Archive) ExtractEntry(p, out string) error {
	p = normPath(p)
	e, ok := a.entries[p]
	if !ok {
		return fmt.Errorf("%w: %s", ErrEntryNotFound, p)
	}
	logger.LogInfo("Extracting entry", map[string]interface{}{"path": p, "out": out})
	if dir := path.Dir(out); dir != "." {
		if err := fsutil.CreateDirIfNotExists(dir); err != nil {
			return err
		}
	}
	perm := os.FileMode(e.Mode & 0o777)
	switch e.Mode & S_IFMT {
	case S_IFDIR:
		return fsutil.CreateDirIfNotExists(out)
	case S_IFREG:
		if err := os.WriteFile(out, e.Data, perm); err != nil {
			return fmt.Errorf("writing %s: %w", out, err)
		}
		return os.Chmod(out, perm)
	case S_IFLNK:
		_ = fsutil.RemoveIfExists(out)
		return os.Symlink(string(bytes.TrimRight(e.Data, "\x00")), out)
	default:
		// Device nodes require privileges the tool does not assume.
		logger.LogWarn("Skipping special entry", map[string]interface{}{"path": p})
		return nil
	}
}

// ExtractAll extracts every entry under the current directory, recreating
// directory structure as needed.
func (a *Archive) ExtractAll() error {
	for _, name := range a.names {
		if err := a.ExtractEntry(name, name); err != nil {
			return err
		}
	}
	return nil
}

// List renders entries under p (all with recursive) in ls -l style lines.
func (a *Archive) List(p string, recursive bool) []string {
	p = normPath(p)
	var out []string
	for _, name := range a.names {
		rel := name
		if p != "" {
			if name != p && !strings.HasPrefix(name, p+"/") {
				continue
			}
			rel = strings.TrimPrefix(strings.TrimPrefix(name, p), "/")
		}
		if !recursive && strings.Contains(rel, "/") {
			continue
		}
		e := a.entries[name]
		line := fmt.Sprintf("%s %4d %4d %8d %s", modeString(e.Mode), e.UID, e.GID, len(e.Data), name)
		if e.IsLink() {
			line += " -> " + string(bytes.TrimRight(e.Data, "\x00"))
		}
		out = append(out, line)
	}
	return out
}

func (a *Archive) insert(name string, e *Entry) {
	if _, ok := a.entries[name]; !ok {
		i := sort.SearchStrings(a.names, name)
		a.names = append(a.names, "")
		copy(a.names[i+1:], a.names[i:])
		a.names[i] = name
	}
	a.entries[name] = e
}

func (a *Archive) remove(name string) {
	delete(a.entries, name)
	i := sort.SearchStrings(a.names, name)
	if i < len(a.names) && a.names[i] == name {
		a.names = append(a.names[:i], a.names[i+1:]...)
	}
}

// mkdirParents inserts implicit parent directories so extraction by external
// tooling finds a complete tree.
func (a *Archive) mkdirParents(p string) {
	for dir := path.Dir(p); dir != "." && dir != "/"; dir = path.Dir(dir) {
		if _, ok := a.entries[dir]; !ok {
			a.insert(dir, &Entry{Mode: 0o755 | S_IFDIR})
		}
	}
}

func normPath(p string) string {
	return strings.TrimLeft(path.Clean(p), "/")
}

func align4(n int) int { return (n + 3) &^ 3 }

func pad(buf *bytes.Buffer) {
	if n := buf.Len() % 4; n != 0 {
		buf.Write(make([]byte, 4-n))
	}
}

func modeString(mode uint32) string {
	var b [10]byte
	switch mode & S_IFMT {
	case S_IFDIR:
		b[0] = 'd'
	case S_IFREG:
		b[0] = '-'
	case S_IFLNK:
		b[0] = 'l'
	case S_IFBLK:
		b[0] = 'b'
	case S_IFCHR:
		b[0] = 'c'
	default:
		b[0] = '?'
	}
	bits := "rwxrwxrwx"
	for i := 0; i < 9; i++ {
		if mode&(1<<uint(8-i)) != 0 {
			b[i+1] = bits[i]
		} else {
			b[i+1] = '-'
		}
	}
	return string(b[:])
}
