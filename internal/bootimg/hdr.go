package bootimg

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"strings"

	"github.com/deploymenttheory/go-boot-forge/internal/logger"
)

const (
	bootMagicSize     = 8
	bootNameSize      = 16
	bootIDSize        = 32
	bootArgsSize      = 512
	bootExtraArgsSize = 1024
	vendorArgsSize    = 2048

	vendorRamdiskNameSize    = 32
	vendorRamdiskBoardIDSize = 16

	v3PageSize = 4096
)

var (
	bootMagic   = []byte("ANDROID!")
	vendorMagic = []byte("VNDRBOOT")
)

// Raw on-disk layouts, little endian. v0 through v2 extend one another, as
// do the v3/v4 and vendor v3/v4 pairs.

type hdrV0Common struct {
	Magic       [bootMagicSize]byte
	KernelSize  uint32
	KernelAddr  uint32
	RamdiskSize uint32
	RamdiskAddr uint32
	SecondSize  uint32
	SecondAddr  uint32
}

type hdrV0 struct {
	hdrV0Common
	TagsAddr      uint32
	PageSize      uint32
	HeaderVersion uint32 // ExtraSize on Samsung PXA layouts
	OSVersion     uint32
	Name          [bootNameSize]byte
	Cmdline       [bootArgsSize]byte
	ID            [bootIDSize]byte
	ExtraCmdline  [bootExtraArgsSize]byte
}

type hdrV1 struct {
	hdrV0
	RecoveryDtboSize   uint32
	RecoveryDtboOffset uint64
	HeaderSize         uint32
}

type hdrV2 struct {
	hdrV1
	DtbSize uint32
	DtbAddr uint64
}

// hdrPXA is the Samsung/Marvell layout: same prefix as v0 but the fields
// after the common block are shuffled and the name field is 24 bytes.
type hdrPXA struct {
	hdrV0Common
	ExtraSize    uint32
	Unknown      uint32
	TagsAddr     uint32
	PageSize     uint32
	Name         [24]byte
	Cmdline      [bootArgsSize]byte
	ID           [bootIDSize]byte
	ExtraCmdline [bootExtraArgsSize]byte
}

type hdrV3 struct {
	Magic         [bootMagicSize]byte
	KernelSize    uint32
	RamdiskSize   uint32
	OSVersion     uint32
	HeaderSize    uint32
	Reserved      [4]uint32
	HeaderVersion uint32
	Cmdline       [bootArgsSize + bootExtraArgsSize]byte
}

type hdrV4 struct {
	hdrV3
	SignatureSize uint32
}

type hdrVndV3 struct {
	Magic         [bootMagicSize]byte
	HeaderVersion uint32
	PageSize      uint32
	KernelAddr    uint32
	RamdiskAddr   uint32
	RamdiskSize   uint32
	Cmdline       [vendorArgsSize]byte
	TagsAddr      uint32
	Name          [bootNameSize]byte
	HeaderSize    uint32
	DtbSize       uint32
	DtbAddr       uint64
}

type hdrVndV4 struct {
	hdrVndV3
	VendorRamdiskTableSize      uint32
	VendorRamdiskTableEntryNum  uint32
	VendorRamdiskTableEntrySize uint32
	BootconfigSize              uint32
}

type vendorRamdiskEntryV4 struct {
	RamdiskSize   uint32
	RamdiskOffset uint32
	RamdiskType   uint32
	RamdiskName   [vendorRamdiskNameSize]byte
	BoardID       [vendorRamdiskBoardIDSize]uint32
}

type hdrKind int

const (
	kindBoot hdrKind = iota // v0 through v2
	kindPXA
	kindV3 // v3/v4
	kindVendor
)

// Header is the decoded boot image header. Exactly one of the raw variants
// is live, selected by kind; the accessor methods hide the layout split.
type Header struct {
	kind    hdrKind
	version uint32

	v2  hdrV2
	pxa hdrPXA
	v4  hdrV4
	vnd hdrVndV4
}

func (h *Header) Version() uint32 { return h.version }
func (h *Header) IsVendor() bool  { return h.kind == kindVendor }
func (h *Header) IsPXA() bool     { return h.kind == kindPXA }

func (h *Header) PageSize() uint32 {
	switch h.kind {
	case kindBoot:
		return h.v2.PageSize
	case kindPXA:
		return h.pxa.PageSize
	case kindVendor:
		return h.vnd.PageSize
	default:
		return v3PageSize
	}
}

// HdrSpace is the padded region the header occupies before the first
// component.
func (h *Header) HdrSpace() uint32 {
	if h.kind == kindVendor {
		return alignTo(h.vnd.HeaderSize, h.PageSize())
	}
	return h.PageSize()
}

func (h *Header) KernelSize() uint32 {
	switch h.kind {
	case kindBoot:
		return h.v2.KernelSize
	case kindPXA:
		return h.pxa.KernelSize
	case kindV3:
		return h.v4.KernelSize
	default:
		return 0
	}
}

func (h *Header) SetKernelSize(n uint32) {
	switch h.kind {
	case kindBoot:
		h.v2.KernelSize = n
	case kindPXA:
		h.pxa.KernelSize = n
	case kindV3:
		h.v4.KernelSize = n
	}
}

func (h *Header) RamdiskSize() uint32 {
	switch h.kind {
	case kindBoot:
		return h.v2.RamdiskSize
	case kindPXA:
		return h.pxa.RamdiskSize
	case kindV3:
		return h.v4.RamdiskSize
	default:
		return h.vnd.RamdiskSize
	}
}

func (h *Header) SetRamdiskSize(n uint32) {
	switch h.kind {
	case kindBoot:
		h.v2.RamdiskSize = n
	case kindPXA:
		h.pxa.RamdiskSize = n
	case kindV3:
		h.v4.RamdiskSize = n
	default:
		h.vnd.RamdiskSize = n
	}
}

func (h *Header) SecondSize() uint32 {
	switch h.kind {
	case kindBoot:
		return h.v2.SecondSize
	case kindPXA:
		return h.pxa.SecondSize
	default:
		return 0
	}
}

func (h *Header) SetSecondSize(n uint32) {
	switch h.kind {
	case kindBoot:
		h.v2.SecondSize = n
	case kindPXA:
		h.pxa.SecondSize = n
	}
}

// ExtraSize: the PXA layout has a dedicated field; on v0 Samsung images the
// header_version slot doubles as extra size when it is not a plausible
// version number.
func (h *Header) ExtraSize() uint32 {
	switch h.kind {
	case kindPXA:
		return h.pxa.ExtraSize
	case kindBoot:
		if h.version == 0 && h.v2.HeaderVersion > 2 {
			return h.v2.HeaderVersion
		}
	}
	return 0
}

func (h *Header) SetExtraSize(n uint32) {
	switch h.kind {
	case kindPXA:
		h.pxa.ExtraSize = n
	case kindBoot:
		if h.version == 0 && h.v2.HeaderVersion > 2 {
			h.v2.HeaderVersion = n
		}
	}
}

func (h *Header) RecoveryDtboSize() uint32 {
	if h.kind == kindBoot && h.version >= 1 {
		return h.v2.RecoveryDtboSize
	}
	return 0
}

func (h *Header) SetRecoveryDtboSize(n uint32) {
	if h.kind == kindBoot && h.version >= 1 {
		h.v2.RecoveryDtboSize = n
	}
}

func (h *Header) DtbSize() uint32 {
	switch {
	case h.kind == kindBoot && h.version >= 2:
		return h.v2.DtbSize
	case h.kind == kindVendor:
		return h.vnd.DtbSize
	}
	return 0
}

func (h *Header) SetDtbSize(n uint32) {
	switch {
	case h.kind == kindBoot && h.version >= 2:
		h.v2.DtbSize = n
	case h.kind == kindVendor:
		h.vnd.DtbSize = n
	}
}

func (h *Header) SignatureSize() uint32 {
	if h.kind == kindV3 && h.version >= 4 {
		return h.v4.SignatureSize
	}
	return 0
}

func (h *Header) VendorRamdiskTableSize() uint32 {
	if h.kind == kindVendor && h.version >= 4 {
		return h.vnd.VendorRamdiskTableSize
	}
	return 0
}

func (h *Header) VendorRamdiskTableEntryNum() uint32 {
	if h.kind == kindVendor && h.version >= 4 {
		return h.vnd.VendorRamdiskTableEntryNum
	}
	return 0
}

func (h *Header) VendorRamdiskTableEntrySize() uint32 {
	if h.kind == kindVendor && h.version >= 4 {
		return h.vnd.VendorRamdiskTableEntrySize
	}
	return 0
}

func (h *Header) BootconfigSize() uint32 {
	if h.kind == kindVendor && h.version >= 4 {
		return h.vnd.BootconfigSize
	}
	return 0
}

func (h *Header) SetBootconfigSize(n uint32) {
	if h.kind == kindVendor && h.version >= 4 {
		h.vnd.BootconfigSize = n
	}
}

func (h *Header) Cmdline() string {
	switch h.kind {
	case kindBoot:
		return cFieldString(h.v2.Cmdline[:]) + cFieldString(h.v2.ExtraCmdline[:])
	case kindPXA:
		return cFieldString(h.pxa.Cmdline[:]) + cFieldString(h.pxa.ExtraCmdline[:])
	case kindV3:
		return cFieldString(h.v4.Cmdline[:])
	default:
		return cFieldString(h.vnd.Cmdline[:])
	}
}

func (h *Header) SetCmdline(s string) {
	switch h.kind {
	case kindBoot:
		setSplitField(h.v2.Cmdline[:], h.v2.ExtraCmdline[:], s)
	case kindPXA:
		setSplitField(h.pxa.Cmdline[:], h.pxa.ExtraCmdline[:], s)
	case kindV3:
		setCField(h.v4.Cmdline[:], s)
	default:
		setCField(h.vnd.Cmdline[:], s)
	}
}

func (h *Header) Name() string {
	switch h.kind {
	case kindBoot:
		return cFieldString(h.v2.Name[:])
	case kindPXA:
		return cFieldString(h.pxa.Name[:])
	case kindVendor:
		return cFieldString(h.vnd.Name[:])
	default:
		return ""
	}
}

func (h *Header) SetName(s string) {
	switch h.kind {
	case kindBoot:
		setCField(h.v2.Name[:], s)
	case kindPXA:
		setCField(h.pxa.Name[:], s)
	case kindVendor:
		setCField(h.vnd.Name[:], s)
	}
}

func (h *Header) OSVersion() uint32 {
	switch h.kind {
	case kindBoot:
		return h.v2.OSVersion
	case kindV3:
		return h.v4.OSVersion
	default:
		return 0
	}
}

func (h *Header) SetOSVersion(v uint32) {
	switch h.kind {
	case kindBoot:
		h.v2.OSVersion = v
	case kindV3:
		h.v4.OSVersion = v
	}
}

// ID returns the content id slot, or nil for layouts without one.
func (h *Header) ID() []byte {
	switch h.kind {
	case kindBoot:
		return h.v2.ID[:]
	case kindPXA:
		return h.pxa.ID[:]
	default:
		return nil
	}
}

// Encode serializes the header in the exact variant it was read as, so the
// byte length matches the original layout.
func (h *Header) Encode() []byte {
	var buf bytes.Buffer
	var v interface{}
	switch h.kind {
	case kindPXA:
		v = h.pxa
	case kindV3:
		if h.version >= 4 {
			v = h.v4
		} else {
			v = h.v4.hdrV3
		}
	case kindVendor:
		if h.version >= 4 {
			v = h.vnd
		} else {
			v = h.vnd.hdrVndV3
		}
	default:
		switch h.version {
		case 0:
			v = h.v2.hdrV0
		case 1:
			v = h.v2.hdrV1
		default:
			v = h.v2
		}
	}
	binary.Write(&buf, binary.LittleEndian, v)
	return buf.Bytes()
}

// decodeHeader reads the header starting at data[0] and classifies its
// variant. PXA layouts are spotted by an implausible page size in the v0
// slot, the original tooling heuristic.
func decodeHeader(data []byte) (*Header, error) {
	if len(data) < bootMagicSize {
		return nil, ErrBadImage
	}
	h := &Header{}
	rd := bytes.NewReader(data)
	if bytes.Equal(data[:bootMagicSize], vendorMagic) {
		h.kind = kindVendor
		h.version = binary.LittleEndian.Uint32(data[bootMagicSize:])
		if h.version >= 4 {
			if err := binary.Read(rd, binary.LittleEndian, &h.vnd); err != nil {
				return nil, err
			}
		} else {
			if err := binary.Read(rd, binary.LittleEndian, &h.vnd.hdrVndV3); err != nil {
				return nil, err
			}
		}
		return h, nil
	}

	var v0 hdrV0
	if err := binary.Read(rd, binary.LittleEndian, &v0); err != nil {
		return nil, err
	}
	if v0.PageSize >= 0x02000000 {
		h.kind = kindPXA
		h.version = 0
		rd = bytes.NewReader(data)
		if err := binary.Read(rd, binary.LittleEndian, &h.pxa); err != nil {
			return nil, err
		}
		return h, nil
	}

	version := v0.HeaderVersion
	if version > 4 {
		// Samsung reuses the slot for extra size; treat as v0.
		version = 0
	}
	h.version = version
	rd = bytes.NewReader(data)
	switch version {
	case 3, 4:
		h.kind = kindV3
		if version == 4 {
			if err := binary.Read(rd, binary.LittleEndian, &h.v4); err != nil {
				return nil, err
			}
		} else {
			if err := binary.Read(rd, binary.LittleEndian, &h.v4.hdrV3); err != nil {
				return nil, err
			}
		}
	default:
		h.kind = kindBoot
		var err error
		switch version {
		case 1:
			err = binary.Read(rd, binary.LittleEndian, &h.v2.hdrV1)
		case 2:
			err = binary.Read(rd, binary.LittleEndian, &h.v2)
		default:
			err = binary.Read(rd, binary.LittleEndian, &h.v2.hdrV0)
		}
		if err != nil {
			return nil, err
		}
	}
	return h, nil
}

// Print logs the interesting header fields, mirroring the original tool's
// unpack chatter.
func (h *Header) Print() {
	fields := map[string]interface{}{
		"header_version": h.version,
		"page_size":      h.PageSize(),
	}
	if h.IsVendor() {
		fields["vendor"] = true
	}
	if h.IsPXA() {
		fields["layout"] = "pxa"
	}
	if n := h.KernelSize(); n > 0 {
		fields["kernel_size"] = n
	}
	if n := h.RamdiskSize(); n > 0 {
		fields["ramdisk_size"] = n
	}
	if n := h.SecondSize(); n > 0 {
		fields["second_size"] = n
	}
	if n := h.DtbSize(); n > 0 {
		fields["dtb_size"] = n
	}
	if v := h.OSVersion(); v != 0 {
		fields["os_version"] = decodeOSVersion(v)
		fields["os_patch_level"] = decodePatchLevel(v)
	}
	if name := h.Name(); name != "" {
		fields["name"] = name
	}
	logger.LogInfo("Parsed boot image header", fields)
}

// DumpHeaderFile writes the editable header fields as key=value lines.
func (h *Header) DumpHeaderFile(path string) error {
	var sb strings.Builder
	if name := h.Name(); name != "" {
		fmt.Fprintf(&sb, "name=%s\n", name)
	}
	fmt.Fprintf(&sb, "cmdline=%s\n", h.Cmdline())
	if v := h.OSVersion(); v != 0 {
		fmt.Fprintf(&sb, "os_version=%s\n", decodeOSVersion(v))
		fmt.Fprintf(&sb, "os_patch_level=%s\n", decodePatchLevel(v))
	}
	return os.WriteFile(path, []byte(sb.String()), 0644)
}

// LoadHeaderFile applies edits from a previously dumped header file.
// Unknown keys are ignored so the file round-trips with hand edits.
func (h *Header) LoadHeaderFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	for _, line := range strings.Split(string(data), "\n") {
		key, val, ok := strings.Cut(strings.TrimRight(line, "\r"), "=")
		if !ok {
			continue
		}
		switch key {
		case "name":
			h.SetName(val)
		case "cmdline":
			h.SetCmdline(val)
		case "os_version":
			h.SetOSVersion(encodeOSVersion(h.OSVersion(), val))
		case "os_patch_level":
			h.SetOSVersion(encodePatchLevel(h.OSVersion(), val))
		}
	}
	return nil
}

// The os_version word packs a.b.c into bits 31..11 and the YYYY-MM patch
// level into bits 10..0.

func decodeOSVersion(v uint32) string {
	ver := v >> 11
	return fmt.Sprintf("%d.%d.%d", (ver>>14)&0x7f, (ver>>7)&0x7f, ver&0x7f)
}

func decodePatchLevel(v uint32) string {
	patch := v & 0x7ff
	return fmt.Sprintf("%d-%02d", (patch>>4)+2000, patch&0xf)
}

func encodeOSVersion(old uint32, s string) uint32 {
	var a, b, c uint32
	fmt.Sscanf(s, "%d.%d.%d", &a, &b, &c)
	return (old & 0x7ff) | (((a&0x7f)<<14|(b&0x7f)<<7|(c&0x7f))&0x1fffff)<<11
}

func encodePatchLevel(old uint32, s string) uint32 {
	var y, m uint32
	fmt.Sscanf(s, "%d-%d", &y, &m)
	if y >= 2000 {
		y -= 2000
	}
	return (old &^ uint32(0x7ff)) | ((y&0x7f)<<4 | m&0xf)
}

func cFieldString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}

func setCField(dst []byte, s string) {
	for i := range dst {
		dst[i] = 0
	}
	copy(dst, s)
}

// setSplitField fills the primary field and overflows into the extra
// cmdline field the way the v0 layout expects.
func setSplitField(primary, extra []byte, s string) {
	setCField(primary, s)
	if len(s) > len(primary) {
		setCField(extra, s[len(primary):])
	} else {
		setCField(extra, "")
	}
}

func alignTo(n, page uint32) uint32 {
	if page == 0 {
		return n
	}
	return (n + page - 1) / page * page
}
