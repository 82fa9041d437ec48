package bootimg

import (
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/deploymenttheory/go-boot-forge/internal/codec"
	"github.com/deploymenttheory/go-boot-forge/internal/common/fsutil"
	"github.com/deploymenttheory/go-boot-forge/internal/config"
	"github.com/deploymenttheory/go-boot-forge/internal/format"
	"github.com/deploymenttheory/go-boot-forge/internal/logger"
)

// Repack rebuilds a boot image from the component files in the working
// directory, using the original image at srcPath as the layout template.
// Components are recompressed to their original formats unless they are
// already compressed or skipComp is set. The result is written to outPath.
func Repack(srcPath, outPath string, skipComp bool) error {
	img, err := Open(srcPath)
	if err != nil {
		return err
	}
	defer img.Close()

	hdr := img.Hdr
	if fsutil.FileExists(HeaderFile) {
		if err := hdr.LoadHeaderFile(HeaderFile); err != nil {
			return err
		}
	}

	var out bytes.Buffer
	out.Write(make([]byte, hdr.HdrSpace()))
	page := hdr.PageSize()

	if hdr.IsVendor() {
		err = img.repackVendor(&out, skipComp)
	} else {
		err = img.repackBoot(&out, skipComp)
	}
	if err != nil {
		return err
	}

	if len(img.Tail) > 0 {
		tail := append([]byte(nil), img.Tail...)
		if config.Instance.PatchVbmetaFlag {
			patchVbmeta(tail)
		}
		out.Write(tail)
	}

	// The header goes in last, once every size field is final.
	raw := out.Bytes()
	copy(raw, hdr.Encode())

	if err := os.WriteFile(outPath, raw, 0644); err != nil {
		return err
	}
	logger.LogInfo("Repacked boot image", map[string]interface{}{
		"output":    outPath,
		"size":      len(raw),
		"page_size": page,
	})
	return nil
}

func (b *Image) repackBoot(out *bytes.Buffer, skipComp bool) error {
	hdr := b.Hdr
	page := hdr.PageSize()

	kernel, err := repackComponent(KernelFile, b.KFmt, skipComp)
	if err != nil {
		return err
	}
	if fsutil.FileExists(KernelDtbFile) {
		dtb, err := os.ReadFile(KernelDtbFile)
		if err != nil {
			return err
		}
		kernel = append(kernel, dtb...)
	}
	kernel = b.wrapMTK(kernel, b.Flags.MTKKernel, b.KernelMTKHdr)
	out.Write(kernel)
	padToPage(out, page)
	hdr.SetKernelSize(uint32(len(kernel)))

	ramdisk, err := repackComponent(RamdiskFile, b.RFmt, skipComp)
	if err != nil {
		return err
	}
	ramdisk = b.wrapMTK(ramdisk, b.Flags.MTKRamdisk, b.RamdiskMTKHdr)
	out.Write(ramdisk)
	padToPage(out, page)
	hdr.SetRamdiskSize(uint32(len(ramdisk)))

	// Later components only exist where the header variant can record
	// their sizes; stray working-directory files must not corrupt the
	// layout of an image that has no slot for them.
	var second, extra, dtbo, dtb []byte
	if hdr.kind == kindBoot || hdr.kind == kindPXA {
		if second, err = rawComponent(SecondFile); err != nil {
			return err
		}
		out.Write(second)
		padToPage(out, page)
		hdr.SetSecondSize(uint32(len(second)))

		if b.Hdr.ExtraSize() > 0 {
			if extra, err = repackComponent(ExtraFile, b.EFmt, skipComp); err != nil {
				return err
			}
			out.Write(extra)
			padToPage(out, page)
			hdr.SetExtraSize(uint32(len(extra)))
		}
	}
	if hdr.kind == kindBoot && hdr.version >= 1 {
		if dtbo, err = rawComponent(RecoveryDtboFile); err != nil {
			return err
		}
		out.Write(dtbo)
		padToPage(out, page)
		hdr.SetRecoveryDtboSize(uint32(len(dtbo)))
	}
	if hdr.kind == kindBoot && hdr.version >= 2 {
		if dtb, err = rawComponent(DtbFile); err != nil {
			return err
		}
		out.Write(dtb)
		padToPage(out, page)
		hdr.SetDtbSize(uint32(len(dtb)))
	}

	if sig := hdr.SignatureSize(); sig > 0 {
		blk := append([]byte(nil), b.Signature...)
		if config.Instance.PatchVbmetaFlag {
			patchVbmeta(blk)
		}
		out.Write(blk)
		padToPage(out, page)
	}

	if id := hdr.ID(); id != nil {
		updateContentID(hdr, id, kernel, ramdisk, second, extra, dtbo, dtb)
	}
	return nil
}

func (b *Image) repackVendor(out *bytes.Buffer, skipComp bool) error {
	hdr := b.Hdr
	page := hdr.PageSize()

	if len(b.RamdiskTable) > 0 {
		var section bytes.Buffer
		for i := range b.RamdiskTable {
			e := &b.RamdiskTable[i]
			orig, err := b.tableRamdisk(*e)
			if err != nil {
				return err
			}
			name := cFieldString(e.RamdiskName[:])
			if name == "" {
				name = "ramdisk"
			}
			file := filepath.Join(VendorRamdiskDir, name+".cpio")
			blk, err := repackComponent(file, format.DetectLZ4(orig), skipComp)
			if err != nil {
				return err
			}
			e.RamdiskOffset = uint32(section.Len())
			e.RamdiskSize = uint32(len(blk))
			section.Write(blk)
		}
		out.Write(section.Bytes())
		padToPage(out, page)
		hdr.SetRamdiskSize(uint32(section.Len()))
	} else {
		ramdisk, err := repackComponent(RamdiskFile, b.RFmt, skipComp)
		if err != nil {
			return err
		}
		out.Write(ramdisk)
		padToPage(out, page)
		hdr.SetRamdiskSize(uint32(len(ramdisk)))
	}

	dtb, err := rawComponent(DtbFile)
	if err != nil {
		return err
	}
	out.Write(dtb)
	padToPage(out, page)
	hdr.SetDtbSize(uint32(len(dtb)))

	if len(b.RamdiskTable) > 0 {
		for _, e := range b.RamdiskTable {
			binary.Write(out, binary.LittleEndian, e)
			// Preserve any vendor extension bytes past the known layout.
			extra := int(hdr.VendorRamdiskTableEntrySize()) - binary.Size(e)
			if extra > 0 {
				out.Write(make([]byte, extra))
			}
		}
		padToPage(out, page)
	}

	bootconfig, err := rawComponent(BootconfigFile)
	if err != nil {
		return err
	}
	out.Write(bootconfig)
	padToPage(out, page)
	hdr.SetBootconfigSize(uint32(len(bootconfig)))
	return nil
}

func padToPage(out *bytes.Buffer, page uint32) {
	if n := int(alignTo(uint32(out.Len()), page)) - out.Len(); n > 0 {
		out.Write(make([]byte, n))
	}
}

// repackComponent reads a component file and compresses it to the target
// format unless it already carries a compression magic.
func repackComponent(file string, target format.Format, skipComp bool) ([]byte, error) {
	data, err := rawComponent(file)
	if err != nil || data == nil {
		return data, err
	}
	if skipComp || !target.Compressed() || format.DetectLZ4(data).CompressedAny() {
		return data, nil
	}
	blk, err := codec.Compress(target, data)
	if err != nil {
		return nil, fmt.Errorf("compressing %s: %w", file, err)
	}
	return blk, nil
}

func rawComponent(file string) ([]byte, error) {
	if !fsutil.FileExists(file) {
		return nil, nil
	}
	return os.ReadFile(file)
}

// wrapMTK re-applies the MediaTek 512-byte wrapper with an updated payload
// size. The header counts the wrapper in its component size.
func (b *Image) wrapMTK(payload []byte, present bool, origHdr []byte) []byte {
	if !present || len(payload) == 0 {
		return payload
	}
	mtk := append([]byte(nil), origHdr...)
	binary.LittleEndian.PutUint32(mtk[4:], uint32(len(payload)))
	return append(mtk, payload...)
}

// updateContentID recomputes the v0-v2 content id: SHA-1 over each
// component followed by its little-endian length word, in layout order.
func updateContentID(hdr *Header, id []byte, kernel, ramdisk, second, extra, dtbo, dtb []byte) {
	h := sha1.New()
	sum := func(blk []byte) {
		h.Write(blk)
		var le [4]byte
		binary.LittleEndian.PutUint32(le[:], uint32(len(blk)))
		h.Write(le[:])
	}
	sum(kernel)
	sum(ramdisk)
	sum(second)
	if hdr.ExtraSize() > 0 {
		sum(extra)
	}
	if hdr.Version() >= 1 {
		sum(dtbo)
	}
	if hdr.Version() >= 2 {
		sum(dtb)
	}
	for i := range id {
		id[i] = 0
	}
	copy(id, h.Sum(nil))
}

// patchVbmeta flips the AVB vbmeta disable-verity and disable-verification
// bits wherever a vbmeta struct appears in blk. The flags word sits 120
// bytes past the AVB0 magic, big endian.
func patchVbmeta(blk []byte) {
	const flagsOffset = 120
	const disableFlags = 3
	pos := 0
	for {
		idx := bytes.Index(blk[pos:], avbMagic)
		if idx < 0 {
			return
		}
		off := pos + idx
		if off+flagsOffset+4 <= len(blk) {
			binary.BigEndian.PutUint32(blk[off+flagsOffset:], disableFlags)
			logger.LogInfo("Patched vbmeta flags", map[string]interface{}{
				"offset": off,
			})
		}
		pos = off + len(avbMagic)
	}
}
