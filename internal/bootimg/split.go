package bootimg

import (
	"fmt"
	"os"

	"github.com/deploymenttheory/go-boot-forge/internal/codec"
	"github.com/deploymenttheory/go-boot-forge/internal/format"
	"github.com/deploymenttheory/go-boot-forge/internal/logger"
)

// SplitImageDTB separates a kernel blob with an appended device tree into
// the kernel and kernel_dtb files. The kernel part is decompressed when it
// carries a compression magic unless skipDecomp is set. Returns 1 when no
// device tree boundary is found.
func SplitImageDTB(file string, skipDecomp bool) (int, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return 1, err
	}
	off := FindDTBOffset(data)
	if off <= 0 {
		return 1, fmt.Errorf("no device tree found in %s", file)
	}

	kernel := data[:off]
	f := format.DetectLZ4(kernel)
	if !skipDecomp && f.Compressed() {
		out, err := os.Create(KernelFile)
		if err != nil {
			return 1, err
		}
		err = codec.DecompressStream(f, kernel, out)
		if cerr := out.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return 1, err
		}
	} else if err := os.WriteFile(KernelFile, kernel, 0644); err != nil {
		return 1, err
	}

	if err := os.WriteFile(KernelDtbFile, data[off:], 0644); err != nil {
		return 1, err
	}
	logger.LogInfo("Split kernel and device tree", map[string]interface{}{
		"file":       file,
		"dtb_offset": off,
	})
	return 0, nil
}
