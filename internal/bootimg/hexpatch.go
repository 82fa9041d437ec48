package bootimg

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/edsrzf/mmap-go"

	"github.com/deploymenttheory/go-boot-forge/internal/logger"
)

// HexPatch replaces the first occurrence of the hex pattern from with to
// inside file, writing through a shared mapping. The patterns must decode
// to the same byte length so the file size never changes. Returns whether a
// match was patched.
func HexPatch(file, from, to string) (bool, error) {
	pattern, err := hex.DecodeString(from)
	if err != nil {
		return false, fmt.Errorf("invalid hex pattern %q: %w", from, err)
	}
	patch, err := hex.DecodeString(to)
	if err != nil {
		return false, fmt.Errorf("invalid hex pattern %q: %w", to, err)
	}
	if len(pattern) != len(patch) {
		return false, fmt.Errorf("patch length mismatch: %d != %d bytes", len(pattern), len(patch))
	}
	if len(pattern) == 0 {
		return false, fmt.Errorf("empty hex pattern")
	}

	f, err := os.OpenFile(file, os.O_RDWR, 0)
	if err != nil {
		return false, err
	}
	defer f.Close()
	m, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		return false, err
	}
	defer m.Unmap()

	idx := bytes.Index(m, pattern)
	if idx < 0 {
		return false, nil
	}
	copy(m[idx:], patch)
	if err := m.Flush(); err != nil {
		return false, err
	}
	logger.LogInfo("Patched binary", map[string]interface{}{
		"file":   file,
		"offset": idx,
	})
	return true, nil
}
