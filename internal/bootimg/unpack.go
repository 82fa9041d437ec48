package bootimg

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/deploymenttheory/go-boot-forge/internal/codec"
	"github.com/deploymenttheory/go-boot-forge/internal/common/fsutil"
	"github.com/deploymenttheory/go-boot-forge/internal/format"
	"github.com/deploymenttheory/go-boot-forge/internal/logger"
)

// Unpack extracts the components of the boot image at path into the current
// directory. Compressed components are decompressed unless skipDecomp is
// set; dumpHeader additionally writes the editable header file. The status
// is 0 for a valid image, 1 on error and 2 for ChromeOS signed images.
func Unpack(path string, skipDecomp, dumpHeader bool) (int, error) {
	img, err := Open(path)
	if err != nil {
		return 1, err
	}
	defer img.Close()

	if dumpHeader {
		if err := img.Hdr.DumpHeaderFile(HeaderFile); err != nil {
			return 1, err
		}
	}

	if img.Hdr.IsVendor() {
		if err := img.unpackVendor(skipDecomp); err != nil {
			return 1, err
		}
	} else if err := img.unpackBoot(skipDecomp); err != nil {
		return 1, err
	}

	if img.Flags.ChromeOS {
		return 2, nil
	}
	return 0, nil
}

func (b *Image) unpackBoot(skipDecomp bool) error {
	if err := dumpComponent(b.Kernel, b.KFmt, KernelFile, skipDecomp); err != nil {
		return err
	}
	if err := dumpRaw(b.KernelDtb, KernelDtbFile); err != nil {
		return err
	}
	if err := dumpComponent(b.Ramdisk, b.RFmt, RamdiskFile, skipDecomp); err != nil {
		return err
	}
	if err := dumpRaw(b.Second, SecondFile); err != nil {
		return err
	}
	if err := dumpComponent(b.Extra, b.EFmt, ExtraFile, skipDecomp); err != nil {
		return err
	}
	if err := dumpRaw(b.RecoveryDtbo, RecoveryDtboFile); err != nil {
		return err
	}
	return dumpRaw(b.Dtb, DtbFile)
}

func (b *Image) unpackVendor(skipDecomp bool) error {
	if len(b.RamdiskTable) > 0 {
		if err := fsutil.CreateDirIfNotExists(VendorRamdiskDir); err != nil {
			return err
		}
		for _, e := range b.RamdiskTable {
			blk, err := b.tableRamdisk(e)
			if err != nil {
				return err
			}
			name := cFieldString(e.RamdiskName[:])
			if name == "" {
				name = "ramdisk"
			}
			out := filepath.Join(VendorRamdiskDir, name+".cpio")
			if err := dumpComponent(blk, format.DetectLZ4(blk), out, skipDecomp); err != nil {
				return err
			}
		}
	} else if err := dumpComponent(b.Ramdisk, b.RFmt, RamdiskFile, skipDecomp); err != nil {
		return err
	}
	if err := dumpRaw(b.Dtb, DtbFile); err != nil {
		return err
	}
	return dumpRaw(b.Bootconfig, BootconfigFile)
}

func (b *Image) tableRamdisk(e vendorRamdiskEntryV4) ([]byte, error) {
	off, end := int(e.RamdiskOffset), int(e.RamdiskOffset)+int(e.RamdiskSize)
	if off > end || end > len(b.Ramdisk) {
		return nil, fmt.Errorf("vendor ramdisk entry %q out of bounds", cFieldString(e.RamdiskName[:]))
	}
	return b.Ramdisk[off:end], nil
}

// dumpComponent writes one component file, decompressing recognized
// formats. LZOP has no codec and falls through to a raw dump like the
// original tool.
func dumpComponent(blk []byte, f format.Format, name string, skipDecomp bool) error {
	if len(blk) == 0 {
		return nil
	}
	if !skipDecomp && f.Compressed() {
		out, err := os.Create(name)
		if err != nil {
			return err
		}
		defer out.Close()
		if err := codec.DecompressStream(f, blk, out); err != nil {
			return fmt.Errorf("decompressing %s: %w", name, err)
		}
		return nil
	}
	if f == format.LZOP {
		logger.LogWarn("No LZOP codec, dumping raw", map[string]interface{}{"file": name})
	}
	return dumpRaw(blk, name)
}

func dumpRaw(blk []byte, name string) error {
	if len(blk) == 0 {
		return nil
	}
	return os.WriteFile(name, blk, 0644)
}

// Cleanup removes all component files a previous unpack may have left in
// the working directory.
func Cleanup() error {
	for _, f := range []string{
		HeaderFile, KernelFile, RamdiskFile, SecondFile, ExtraFile,
		KernelDtbFile, RecoveryDtboFile, DtbFile, BootconfigFile,
	} {
		if err := fsutil.RemoveIfExists(f); err != nil {
			return err
		}
	}
	if err := os.RemoveAll(VendorRamdiskDir); err != nil {
		return err
	}
	logger.LogInfo("Cleaned up working directory", nil)
	return nil
}
