// Package bootimg parses, unpacks and repacks Android boot images across
// header versions v0 through v4, the vendor boot variants and the Samsung
// PXA layout, including MTK wrappers and signature tails.
package bootimg

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"

	"github.com/edsrzf/mmap-go"

	"github.com/deploymenttheory/go-boot-forge/internal/format"
	"github.com/deploymenttheory/go-boot-forge/internal/logger"
)

// Working directory component files.
const (
	HeaderFile       = "header"
	KernelFile       = "kernel"
	RamdiskFile      = "ramdisk.cpio"
	SecondFile       = "second"
	ExtraFile        = "extra"
	KernelDtbFile    = "kernel_dtb"
	RecoveryDtboFile = "recovery_dtbo"
	DtbFile          = "dtb"
	BootconfigFile   = "bootconfig"
	NewBootFile      = "new-boot.img"
	VendorRamdiskDir = "vendor_ramdisk"
)

const mtkHdrSize = 512

var (
	chromeosMagic  = []byte("CHROMEOS")
	seandroidMagic = []byte("SEANDROIDENFORCE")
	lgBumpMagic    = []byte{
		0x41, 0xa9, 0xe4, 0x67, 0x74, 0x4d, 0x1d, 0x1b,
		0xa4, 0x29, 0xf2, 0xec, 0xea, 0x65, 0x52, 0x79,
	}
	avbFooterMagic = []byte("AVBf")
	avbMagic       = []byte("AVB0")
)

// ErrBadImage is returned when no boot image magic can be located.
var ErrBadImage = errors.New("no boot image magic found")

type imgFlags struct {
	ChromeOS   bool
	MTKKernel  bool
	MTKRamdisk bool
	SEAndroid  bool
	LGBump     bool
	AVB        bool
}

// Image is a parsed boot image. All component slices alias the mapped file
// and stay valid until Close.
type Image struct {
	Hdr   *Header
	Flags imgFlags

	KFmt format.Format // kernel compression
	RFmt format.Format // ramdisk compression
	EFmt format.Format // extra blob compression

	Kernel       []byte
	KernelDtb    []byte
	Ramdisk      []byte
	Second       []byte
	Extra        []byte
	RecoveryDtbo []byte
	Dtb          []byte
	Signature    []byte
	Bootconfig   []byte
	Tail         []byte

	// MTK wrapper headers stripped off kernel/ramdisk, kept for repack.
	KernelMTKHdr  []byte
	RamdiskMTKHdr []byte

	// Vendor v4 ramdisk table.
	RamdiskTable []vendorRamdiskEntryV4

	m mmap.MMap
	f *os.File
}

// Open maps the file at path and parses it as a boot image.
func Open(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, err
	}
	img := &Image{m: m, f: f}
	if err := img.parse(); err != nil {
		img.Close()
		return nil, err
	}
	return img, nil
}

// Close releases the underlying mapping.
func (b *Image) Close() error {
	var err error
	if b.m != nil {
		err = b.m.Unmap()
		b.m = nil
	}
	if b.f != nil {
		if cerr := b.f.Close(); err == nil {
			err = cerr
		}
		b.f = nil
	}
	return err
}

func (b *Image) parse() error {
	data := []byte(b.m)
	if len(data) >= len(chromeosMagic) && bytes.Equal(data[:len(chromeosMagic)], chromeosMagic) {
		b.Flags.ChromeOS = true
	}

	off := findBootMagic(data)
	if off < 0 {
		return ErrBadImage
	}
	data = data[off:]

	hdr, err := decodeHeader(data)
	if err != nil {
		return err
	}
	b.Hdr = hdr
	hdr.Print()

	page := hdr.PageSize()
	if page == 0 {
		return errors.New("boot image header has zero page size")
	}

	pos := int(hdr.HdrSpace())
	next := func(size uint32) []byte {
		if size == 0 {
			return nil
		}
		end := pos + int(size)
		if end > len(data) {
			end = len(data)
		}
		blk := data[pos:end]
		pos = int(alignTo(uint32(end), page))
		return blk
	}

	if hdr.IsVendor() {
		b.Ramdisk = next(hdr.RamdiskSize())
		b.Dtb = next(hdr.DtbSize())
		table := next(hdr.VendorRamdiskTableSize())
		b.Bootconfig = next(hdr.BootconfigSize())
		if err := b.parseRamdiskTable(table); err != nil {
			return err
		}
	} else {
		b.Kernel = next(hdr.KernelSize())
		b.Ramdisk = next(hdr.RamdiskSize())
		b.Second = next(hdr.SecondSize())
		b.Extra = next(hdr.ExtraSize())
		b.RecoveryDtbo = next(hdr.RecoveryDtboSize())
		b.Dtb = next(hdr.DtbSize())
		b.Signature = next(hdr.SignatureSize())
	}

	b.stripMTK()
	b.splitKernelDtb()
	b.detectFormats()

	if pos < len(data) {
		b.Tail = data[pos:]
		b.classifyTail()
	}
	return nil
}

// findBootMagic scans for the ANDROID!/VNDRBOOT magic. Signing wrappers
// (ChromeOS and friends) put the real image at a later offset.
func findBootMagic(data []byte) int {
	a := bytes.Index(data, bootMagic)
	v := bytes.Index(data, vendorMagic)
	switch {
	case a < 0:
		return v
	case v < 0:
		return a
	case a < v:
		return a
	default:
		return v
	}
}

// stripMTK peels the 512-byte MediaTek wrapper off kernel and ramdisk,
// keeping the raw header bytes so repack can re-apply them.
func (b *Image) stripMTK() {
	if format.Detect(b.Kernel) == format.MTK {
		logger.LogInfo("MTK header found on kernel", nil)
		b.Flags.MTKKernel = true
		b.KernelMTKHdr = b.Kernel[:mtkHdrSize]
		b.Kernel = b.Kernel[mtkHdrSize:]
	}
	if format.Detect(b.Ramdisk) == format.MTK {
		logger.LogInfo("MTK header found on ramdisk", nil)
		b.Flags.MTKRamdisk = true
		b.RamdiskMTKHdr = b.Ramdisk[:mtkHdrSize]
		b.Ramdisk = b.Ramdisk[mtkHdrSize:]
	}
}

// splitKernelDtb separates a device tree appended to the kernel blob.
func (b *Image) splitKernelDtb() {
	if len(b.Kernel) == 0 {
		return
	}
	if off := FindDTBOffset(b.Kernel); off > 0 {
		b.KernelDtb = b.Kernel[off:]
		b.Kernel = b.Kernel[:off]
	}
}

func (b *Image) detectFormats() {
	b.KFmt = format.DetectLZ4(b.Kernel)
	b.RFmt = format.DetectLZ4(b.Ramdisk)
	b.EFmt = format.DetectLZ4(b.Extra)
	logger.LogInfo("Detected component formats", map[string]interface{}{
		"kernel":  b.KFmt.String(),
		"ramdisk": b.RFmt.String(),
	})
}

func (b *Image) classifyTail() {
	switch {
	case bytes.HasPrefix(b.Tail, seandroidMagic):
		b.Flags.SEAndroid = true
	case bytes.HasPrefix(b.Tail, lgBumpMagic):
		b.Flags.LGBump = true
	case bytes.Contains(b.Tail, avbFooterMagic) || bytes.Contains(b.Tail, avbMagic):
		b.Flags.AVB = true
	}
}

func (b *Image) parseRamdiskTable(table []byte) error {
	n := b.Hdr.VendorRamdiskTableEntryNum()
	if n == 0 {
		return nil
	}
	esz := int(b.Hdr.VendorRamdiskTableEntrySize())
	if esz < binary.Size(vendorRamdiskEntryV4{}) || len(table) < int(n)*esz {
		return errors.New("malformed vendor ramdisk table")
	}
	for i := 0; i < int(n); i++ {
		var e vendorRamdiskEntryV4
		rd := bytes.NewReader(table[i*esz:])
		if err := binary.Read(rd, binary.LittleEndian, &e); err != nil {
			return err
		}
		b.RamdiskTable = append(b.RamdiskTable, e)
	}
	return nil
}

// FindDTBOffset locates a plausible flattened device tree inside buf,
// validating the header offsets and the first struct token before trusting
// a magic match.
func FindDTBOffset(buf []byte) int {
	magic := []byte{0xd0, 0x0d, 0xfe, 0xed}
	for pos := 0; ; {
		rel := bytes.Index(buf[pos:], magic)
		if rel < 0 {
			return -1
		}
		curr := pos + rel
		pos = curr + 4
		if len(buf)-curr < 40 {
			return -1
		}
		totalSize := binary.BigEndian.Uint32(buf[curr+4:])
		offStruct := binary.BigEndian.Uint32(buf[curr+8:])
		if int(totalSize) > len(buf)-curr || int(offStruct)+4 > len(buf)-curr {
			continue
		}
		if binary.BigEndian.Uint32(buf[curr+int(offStruct):]) != 0x1 {
			continue
		}
		return curr
	}
}
