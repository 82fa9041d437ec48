package dtb

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/deploymenttheory/go-boot-forge/internal/logger"
)

const fsmgrFlagsProp = "fsmgr_flags"

// verityFlags are the fsmgr flag names that enable dm-verity or AVB chain
// verification on a partition. Longer names sort first so that e.g.
// "verifyatboot" is never half-matched by "verify".
var verityFlags = []string{
	"verifyatboot",
	"verify",
	"avb_keys",
	"avb",
	"support_scfs",
	"fsverity",
}

// fstabNodes returns the indexes of every fstab container node in the tree.
// A container is a node literally named "fstab" or one carrying an
// "android,fstab" compatible string; its children are the partition entries.
func (t *Tree) fstabNodes() []int {
	var out []int
	for i := range t.Nodes {
		if t.Nodes[i].Name == "fstab" {
			out = append(out, i)
			continue
		}
		if p := t.Prop(i, "compatible"); p != nil &&
			bytes.Contains(p.Value, []byte("android,fstab")) {
			out = append(out, i)
		}
	}
	return out
}

// patchVerity rewrites flags in place, dropping every verity flag while
// keeping the byte length constant. Removed characters shift the remainder
// left and the freed tail is NUL filled, which a NUL-terminated string
// consumer never sees. Returns true when anything changed.
func patchVerity(flags []byte) bool {
	patched := false
	for _, f := range verityFlags {
		for {
			idx := indexFlag(flags, f)
			if idx < 0 {
				break
			}
			end := idx + len(f)
			// Swallow the "=..." argument and one joining comma.
			for end < len(flags) && flags[end] != ',' && flags[end] != 0 {
				end++
			}
			if end < len(flags) && flags[end] == ',' {
				end++
			} else if idx > 0 && flags[idx-1] == ',' {
				idx--
			}
			n := copy(flags[idx:], flags[end:])
			for i := idx + n; i < len(flags); i++ {
				flags[i] = 0
			}
			patched = true
		}
	}
	return patched
}

// indexFlag finds flag f at a flag boundary (start of value or right after
// a comma), so "avb" does not match inside "avb_keys" leftovers.
func indexFlag(flags []byte, f string) int {
	pos := 0
	for {
		idx := bytes.Index(flags[pos:], []byte(f))
		if idx < 0 {
			return -1
		}
		idx += pos
		atStart := idx == 0 || flags[idx-1] == ','
		end := idx + len(f)
		atEnd := end >= len(flags) || flags[end] == ',' || flags[end] == '=' || flags[end] == 0
		if atStart && atEnd {
			return idx
		}
		pos = idx + 1
	}
}

// hasVerity reports whether any verity flag is still active in flags.
func hasVerity(flags []byte) bool {
	for _, f := range verityFlags {
		if indexFlag(flags, f) >= 0 {
			return true
		}
	}
	return false
}

// Patch rewrites the fstab entries of every blob inside file, removing
// verity flags when keepVerity is false. The file is modified in place and
// only written back when something actually changed. Returns whether any
// entry was patched.
func Patch(file string, keepVerity bool) (bool, error) {
	if keepVerity {
		return false, nil
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return false, err
	}
	trees, err := ParseAll(data)
	if err != nil {
		return false, err
	}
	patched := false
	for ti, t := range trees {
		for _, fi := range t.fstabNodes() {
			for _, ei := range t.Nodes[fi].Children {
				p := t.Prop(ei, fsmgrFlagsProp)
				if p == nil || len(p.Value) == 0 {
					continue
				}
				// p.Value aliases data, so patching it edits the file image.
				if patchVerity(p.Value) {
					logger.LogInfo("Removed verity flags", map[string]interface{}{
						"dtb":   ti,
						"entry": t.Path(ei),
					})
					patched = true
				}
			}
		}
	}
	if !patched {
		return false, nil
	}
	if err := os.WriteFile(file, data, 0644); err != nil {
		return false, err
	}
	return true, nil
}

// Test reports whether the blobs in file are ready for flashing: at least
// one fstab entry exists and none still carries an active verity flag.
func Test(file string) (bool, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return false, err
	}
	trees, err := ParseAll(data)
	if err != nil {
		return false, err
	}
	found := false
	for _, t := range trees {
		for _, fi := range t.fstabNodes() {
			for _, ei := range t.Nodes[fi].Children {
				found = true
				if p := t.Prop(ei, fsmgrFlagsProp); p != nil && hasVerity(p.Value) {
					return false, nil
				}
			}
		}
	}
	return found, nil
}

// Print dumps every blob in file to stdout. With fstabOnly set, only the
// fstab subtrees are rendered.
func Print(file string, fstabOnly bool) error {
	data, err := os.ReadFile(file)
	if err != nil {
		return err
	}
	trees, err := ParseAll(data)
	if err != nil {
		return err
	}
	for i, t := range trees {
		fmt.Fprintf(os.Stdout, "Printing dtb.%04d\n", i)
		var sb strings.Builder
		if fstabOnly {
			nodes := t.fstabNodes()
			if len(nodes) == 0 {
				fmt.Fprintln(os.Stdout, "No fstab found")
				continue
			}
			for _, n := range nodes {
				t.Render(&sb, n, 0)
			}
		} else {
			t.Render(&sb, 0, 0)
		}
		fmt.Fprint(os.Stdout, sb.String())
	}
	return nil
}
