// Package box implements JP2 file format box parsing and generation.
//
// JP2 files consist of a sequence of boxes, where each box has:
// - 4-byte length (or 1 for extended length)
// - 4-byte type code
// - Optional 8-byte extended length
// - Box contents
package box

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// Box type codes
const (
	// Signature and file type
	TypeJP2Signature  Type = 0x6A502020 // "jP  " - JP2 signature box
	TypeFileType      Type = 0x66747970 // "ftyp" - File type box

	// JP2 header
	TypeJP2Header     Type = 0x6A703268 // "jp2h" - JP2 header super-box
	TypeImageHeader   Type = 0x69686472 // "ihdr" - Image header box
	TypeBitsPerComp   Type = 0x62706363 // "bpcc" - Bits per component box
	TypeColorSpec     Type = 0x636F6C72 // "colr" - Color specification box
	TypePalette       Type = 0x70636C72 // "pclr" - Palette box
	TypeComponentMap  Type = 0x636D6170 // "cmap" - Component mapping box
	TypeChannelDef    Type = 0x63646566 // "cdef" - Channel definition box
	TypeResolution    Type = 0x72657320 // "res " - Resolution super-box
	TypeCaptureRes    Type = 0x72657363 // "resc" - Capture resolution box
	TypeDisplayRes    Type = 0x72657364 // "resd" - Default display resolution box

	// Codestream
	TypeContCodestream Type = 0x6A703263 // "jp2c" - Contiguous codestream box
	TypeCodestreamH   Type = 0x6A706368 // "jpch" - Codestream header box
	TypeTilePartH     Type = 0x6A707468 // "jpth" - Tile-part header box

	// Metadata
	TypeXML           Type = 0x786D6C20 // "xml " - XML box
	TypeUUID          Type = 0x75756964 // "uuid" - UUID box
	TypeUUIDInfo      Type = 0x75696E66 // "uinf" - UUID info super-box
	TypeUUIDList      Type = 0x756C7374 // "ulst" - UUID list box
	TypeURL           Type = 0x75726C20 // "url " - URL box

	// IPR
	TypeIPR           Type = 0x6A703269 // "jp2i" - IPR box
)

// Type represents a 4-byte box type code.
type Type uint32

// String returns the 4-character type code.
func (t Type) String() string {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(t))
	return string(b)
}

// Box represents a JP2 box.
type Box struct {
	Type     Type
	Length   uint64 // Total box length including header
	Contents []byte // Box contents (excluding header)
}

// Header returns the box header bytes.
func (b *Box) Header() []byte {
	if b.Length <= 0xFFFFFFFF {
		header := make([]byte, 8)
		binary.BigEndian.PutUint32(header[0:4], uint32(b.Length))
		binary.BigEndian.PutUint32(header[4:8], uint32(b.Type))
		return header
	}
	// Extended length
	header := make([]byte, 16)
	binary.BigEndian.PutUint32(header[0:4], 1)
	binary.BigEndian.PutUint32(header[4:8], uint32(b.Type))
	binary.BigEndian.PutUint64(header[8:16], b.Length)
	return header
}

// Bytes returns the complete box as bytes.
func (b *Box) Bytes() []byte {
	header := b.Header()
	result := make([]byte, len(header)+len(b.Contents))
	copy(result, header)
	copy(result[len(header):], b.Contents)
	return result
}

// Reader reads JP2 boxes from a stream.
type Reader struct {
	r      io.Reader
	offset int64
}

// NewReader creates a new box reader.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// ReadBox reads the next box from the stream.
func (r *Reader) ReadBox() (*Box, error) {
	// Read box length and type
	header := make([]byte, 8)
	n, err := io.ReadFull(r.r, header)
	if err != nil {
		if err == io.EOF && n == 0 {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("reading box header: %w", err)
	}
	r.offset += 8

	length := uint64(binary.BigEndian.Uint32(header[0:4]))
	boxType := Type(binary.BigEndian.Uint32(header[4:8]))

	headerLen := uint64(8)

	// Handle extended length
	if length == 1 {
		extLen := make([]byte, 8)
		if _, err := io.ReadFull(r.r, extLen); err != nil {
			return nil, fmt.Errorf("reading extended length: %w", err)
		}
		length = binary.BigEndian.Uint64(extLen)
		headerLen = 16
		r.offset += 8
	} else if length == 0 {
		// Box extends to end of file - we can't handle this without seeking
		return nil, errors.New("box extends to EOF not supported")
	}

	if length < headerLen {
		return nil, fmt.Errorf("invalid box length: %d", length)
	}

	// Read contents
	contentLen := length - headerLen
	if contentLen > 1<<30 { // 1GB limit
		return nil, fmt.Errorf("box too large: %d bytes", contentLen)
	}

	contents := make([]byte, contentLen)
	if _, err := io.ReadFull(r.r, contents); err != nil {
		return nil, fmt.Errorf("reading box contents: %w", err)
	}
	r.offset += int64(contentLen)

	return &Box{
		Type:     boxType,
		Length:   length,
		Contents: contents,
	}, nil
}

// Offset returns the current stream offset.
func (r *Reader) Offset() int64 {
	return r.offset
}

// Writer writes JP2 boxes to a stream.
type Writer struct {
	w io.Writer
}

// NewWriter creates a new box writer.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteBox writes a box to the stream.
func (w *Writer) WriteBox(b *Box) error {
	_, err := w.w.Write(b.Bytes())
	return err
}

// WriteSignature writes the JP2 signature.
func (w *Writer) WriteSignature() error {
	// JP2 signature: 12 bytes
	sig := []byte{
		0x00, 0x00, 0x00, 0x0C, // Length = 12
		0x6A, 0x50, 0x20, 0x20, // Type = "jP  "
		0x0D, 0x0A, 0x87, 0x0A, // Signature content
	}
	_, err := w.w.Write(sig)
	return err
}

// JP2Header represents the JP2 header box contents.
type JP2Header struct {
	ImageHeader *ImageHeaderBox
	BitsPerComp *BitsPerCompBox
	ColorSpec   *ColorSpecBox
	Palette     *PaletteBox
	ComponentMap *ComponentMapBox
	ChannelDef  *ChannelDefBox
	Resolution  *ResolutionBox
}

// ImageHeaderBox represents the image header box.
type ImageHeaderBox struct {
	Height           uint32
	Width            uint32
	NumComponents    uint16
	BitsPerComponent uint8 // 7-bit value or 0xFF for BPC box
	CompressionType  uint8 // Always 7 for JP2
	UnknownColorspace uint8
	IPR              uint8
}

// Parse parses the image header box contents.
func (b *ImageHeaderBox) Parse(data []byte) error {
	if len(data) < 14 {
		return errors.New("image header box too short")
	}
	b.Height = binary.BigEndian.Uint32(data[0:4])
	b.Width = binary.BigEndian.Uint32(data[4:8])
	b.NumComponents = binary.BigEndian.Uint16(data[8:10])
	b.BitsPerComponent = data[10]
	b.CompressionType = data[11]
	b.UnknownColorspace = data[12]
	b.IPR = data[13]
	return nil
}

// Bytes returns the box contents.
func (b *ImageHeaderBox) Bytes() []byte {
	data := make([]byte, 14)
	binary.BigEndian.PutUint32(data[0:4], b.Height)
	binary.BigEndian.PutUint32(data[4:8], b.Width)
	binary.BigEndian.PutUint16(data[8:10], b.NumComponents)
	data[10] = b.BitsPerComponent
	data[11] = b.CompressionType
	data[12] = b.UnknownColorspace
	data[13] = b.IPR
	return data
}

// BitsPerCompBox represents per-component bit depth.
type BitsPerCompBox struct {
	BitsPerComponent []uint8
}

// Parse parses the bits per component box.
func (b *BitsPerCompBox) Parse(data []byte) error {
	b.BitsPerComponent = make([]uint8, len(data))
	copy(b.BitsPerComponent, data)
	return nil
}

// ColorSpecBox represents color specification.
type ColorSpecBox struct {
	Method             uint8
	Precedence         uint8
	Approximation      uint8
	EnumeratedColorspace uint32
	ICCProfile         []byte
}

// Enumerated colorspace values per ISO/IEC 15444-1 Annex M
const (
	CSBilevel1    = 0  // Bi-level (black and white)
	CSYCbCr1      = 1  // YCbCr(1) - ITU-R BT.709-5 based (sRGB primaries)
	CSYCbCr2      = 3  // YCbCr(2) - ITU-R BT.601-5 for 625-line systems
	CSYCbCr3      = 4  // YCbCr(3) - ITU-R BT.601-5 for 525-line systems
	CSPhotoYCC    = 9  // PhotoYCC (Kodak Photo CD)
	CSCMY         = 11 // CMY (Cyan, Magenta, Yellow)
	CSCMYK        = 12 // CMYK (Cyan, Magenta, Yellow, Key/Black)
	CSYCCK        = 13 // YCCK (PhotoYCC with Key/Black)
	CSCIELab      = 14 // CIELab (D50 illuminant)
	CSBilevel2    = 15 // Bi-level(2) - alternative bi-level encoding
	CSSRGB        = 16 // sRGB (IEC 61966-2-1)
	CSGray        = 17 // Grayscale
	CSsYCC        = 18 // sYCC (IEC 61966-2-1 Annex G)
	CSCIEJab      = 19 // CIEJab (CIECAM02-based)
	CSeSRGB       = 20 // e-sRGB (extended sRGB, IEC 61966-2-1 Amendment 1)
	CSROMMRGB     = 21 // ROMM-RGB (Reference Output Medium Metric, ISO 22028-2)
	CSYPbPr1125   = 22 // YPbPr for 1125/60 systems (SMPTE 274M)
	CSYPbPr1250   = 23 // YPbPr for 1250/50 systems (ITU-R BT.1361)
	CSeSYCC       = 24 // e-sYCC (extended sYCC gamut)
)

// Parse parses the color specification box.
func (b *ColorSpecBox) Parse(data []byte) error {
	if len(data) < 3 {
		return errors.New("color specification box too short")
	}
	b.Method = data[0]
	b.Precedence = data[1]
	b.Approximation = data[2]

	switch b.Method {
	case 1: // Enumerated colorspace
		if len(data) < 7 {
			return errors.New("color specification box too short for enumerated CS")
		}
		b.EnumeratedColorspace = binary.BigEndian.Uint32(data[3:7])
	case 2: // Restricted ICC profile
		b.ICCProfile = data[3:]
	case 3: // Any ICC method (full profile)
		b.ICCProfile = data[3:]
	}
	return nil
}

// Bytes returns the box contents.
func (b *ColorSpecBox) Bytes() []byte {
	if b.Method == 1 {
		data := make([]byte, 7)
		data[0] = b.Method
		data[1] = b.Precedence
		data[2] = b.Approximation
		binary.BigEndian.PutUint32(data[3:7], b.EnumeratedColorspace)
		return data
	}
	data := make([]byte, 3+len(b.ICCProfile))
	data[0] = b.Method
	data[1] = b.Precedence
	data[2] = b.Approximation
	copy(data[3:], b.ICCProfile)
	return data
}

// PaletteBox represents a color palette.
type PaletteBox struct {
	NumEntries   uint16
	NumColumns   uint8
	BitsPerEntry []uint8
	Entries      [][]uint32
}

// Parse parses the palette box contents (ISO/IEC 15444-1 §I.5.3.4).
func (b *PaletteBox) Parse(data []byte) error {
	if len(data) < 3 {
		return errors.New("palette box too short")
	}
	b.NumEntries = binary.BigEndian.Uint16(data[0:2])
	b.NumColumns = data[2]
	off := 3
	if len(data) < off+int(b.NumColumns) {
		return errors.New("palette box too short for column bit depths")
	}
	b.BitsPerEntry = make([]uint8, b.NumColumns)
	copy(b.BitsPerEntry, data[off:off+int(b.NumColumns)])
	off += int(b.NumColumns)

	b.Entries = make([][]uint32, b.NumEntries)
	for i := 0; i < int(b.NumEntries); i++ {
		row := make([]uint32, b.NumColumns)
		for c := 0; c < int(b.NumColumns); c++ {
			bits := int(b.BitsPerEntry[c]&0x7F) + 1
			nbytes := (bits + 7) / 8
			if off+nbytes > len(data) {
				return errors.New("palette box truncated")
			}
			var v uint32
			for k := 0; k < nbytes; k++ {
				v = v<<8 | uint32(data[off+k])
			}
			row[c] = v
			off += nbytes
		}
		b.Entries[i] = row
	}
	return nil
}

// Bytes returns the box contents.
func (b *PaletteBox) Bytes() []byte {
	var buf []byte
	header := make([]byte, 3+len(b.BitsPerEntry))
	binary.BigEndian.PutUint16(header[0:2], b.NumEntries)
	header[2] = b.NumColumns
	copy(header[3:], b.BitsPerEntry)
	buf = append(buf, header...)

	for _, row := range b.Entries {
		for c, v := range row {
			bits := int(b.BitsPerEntry[c]&0x7F) + 1
			nbytes := (bits + 7) / 8
			for k := nbytes - 1; k >= 0; k-- {
				buf = append(buf, byte(v>>(8*k)))
			}
		}
	}
	return buf
}

// ComponentMapBox represents component mapping.
type ComponentMapBox struct {
	Mappings []ComponentMapping
}

// Parse parses the component mapping box (ISO/IEC 15444-1 §I.5.3.5).
// Each entry is 4 bytes: component (2), mapping type (1), palette
// column (1).
func (b *ComponentMapBox) Parse(data []byte) error {
	if len(data)%4 != 0 {
		return errors.New("component map box length not a multiple of 4")
	}
	n := len(data) / 4
	b.Mappings = make([]ComponentMapping, n)
	for i := 0; i < n; i++ {
		off := i * 4
		b.Mappings[i] = ComponentMapping{
			Component:     binary.BigEndian.Uint16(data[off : off+2]),
			MappingType:   data[off+2],
			PaletteColumn: data[off+3],
		}
	}
	return nil
}

// Bytes returns the box contents.
func (b *ComponentMapBox) Bytes() []byte {
	buf := make([]byte, 4*len(b.Mappings))
	for i, m := range b.Mappings {
		off := i * 4
		binary.BigEndian.PutUint16(buf[off:off+2], m.Component)
		buf[off+2] = m.MappingType
		buf[off+3] = m.PaletteColumn
	}
	return buf
}

// ComponentMapping maps a channel to a component.
type ComponentMapping struct {
	Component     uint16
	MappingType   uint8
	PaletteColumn uint8
}

// ChannelDefBox defines channel meanings.
type ChannelDefBox struct {
	Definitions []ChannelDefinition
}

// Channel type values per ISO/IEC 15444-1 Table I.18.
const (
	ChannelTypeColor               = 0
	ChannelTypeOpacity             = 1
	ChannelTypePremultipliedOpacity = 2
	ChannelTypeUnspecified         = 0xFFFF
)

// Parse parses the channel definition box (ISO/IEC 15444-1 §I.5.3.6).
// The box leads with a 2-byte count, then 6 bytes per definition:
// channel index (2), type (2), association (2).
func (b *ChannelDefBox) Parse(data []byte) error {
	if len(data) < 2 {
		return errors.New("channel definition box too short")
	}
	n := int(binary.BigEndian.Uint16(data[0:2]))
	if len(data) < 2+n*6 {
		return errors.New("channel definition box truncated")
	}
	b.Definitions = make([]ChannelDefinition, n)
	for i := 0; i < n; i++ {
		off := 2 + i*6
		b.Definitions[i] = ChannelDefinition{
			Channel:     binary.BigEndian.Uint16(data[off : off+2]),
			Type:        binary.BigEndian.Uint16(data[off+2 : off+4]),
			Association: binary.BigEndian.Uint16(data[off+4 : off+6]),
		}
	}
	return nil
}

// Bytes returns the box contents.
func (b *ChannelDefBox) Bytes() []byte {
	buf := make([]byte, 2+6*len(b.Definitions))
	binary.BigEndian.PutUint16(buf[0:2], uint16(len(b.Definitions)))
	for i, d := range b.Definitions {
		off := 2 + i*6
		binary.BigEndian.PutUint16(buf[off:off+2], d.Channel)
		binary.BigEndian.PutUint16(buf[off+2:off+4], d.Type)
		binary.BigEndian.PutUint16(buf[off+4:off+6], d.Association)
	}
	return buf
}

// AlphaAssociations returns the Association values of the channels
// marked as opacity or premultiplied opacity, in definition order.
func (b *ChannelDefBox) AlphaAssociations() []uint16 {
	var alpha []uint16
	for _, d := range b.Definitions {
		if d.Type == ChannelTypeOpacity || d.Type == ChannelTypePremultipliedOpacity {
			alpha = append(alpha, d.Association)
		}
	}
	return alpha
}

// ChannelDefinition describes a channel.
type ChannelDefinition struct {
	Channel     uint16
	Type        uint16 // 0=color, 1=opacity, 2=premultiplied opacity
	Association uint16 // Component association
}

// ResolutionBox contains resolution information. It is a super-box
// holding "resc" (capture) and/or "resd" (default display) sub-boxes,
// each encoding a resolution as a rational numerator/denominator pair
// plus a power-of-ten exponent (ISO/IEC 15444-1 §I.5.3.7.1-2).
type ResolutionBox struct {
	CaptureResX uint32
	CaptureResY uint32
	DisplayResX uint32
	DisplayResY uint32
}

// Parse parses the resolution super-box's sub-boxes.
func (b *ResolutionBox) Parse(data []byte) error {
	r := NewReader(&byteReader{data: data})
	for {
		box, err := r.ReadBox()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		x, y, err := parseResolutionEntry(box.Contents)
		if err != nil {
			return err
		}
		switch box.Type {
		case TypeCaptureRes:
			b.CaptureResX, b.CaptureResY = x, y
		case TypeDisplayRes:
			b.DisplayResX, b.DisplayResY = x, y
		}
	}
	return nil
}

// parseResolutionEntry decodes the 10-byte VRcN/VRcD/HRcN/HRcD/VRcE/HRcE
// layout shared by "resc" and "resd" into resolutions scaled to a
// common fixed-point (pixels per meter, truncated to an integer).
func parseResolutionEntry(data []byte) (x, y uint32, err error) {
	if len(data) < 10 {
		return 0, 0, errors.New("resolution entry too short")
	}
	vrN := binary.BigEndian.Uint16(data[0:2])
	vrD := binary.BigEndian.Uint16(data[2:4])
	hrN := binary.BigEndian.Uint16(data[4:6])
	hrD := binary.BigEndian.Uint16(data[6:8])
	vrE := int8(data[8])
	hrE := int8(data[9])
	if vrD == 0 || hrD == 0 {
		return 0, 0, errors.New("resolution entry has zero denominator")
	}
	y = scaleResolution(vrN, vrD, vrE)
	x = scaleResolution(hrN, hrD, hrE)
	return x, y, nil
}

func scaleResolution(n, d uint16, exp int8) uint32 {
	v := float64(n) / float64(d)
	for exp > 0 {
		v *= 10
		exp--
	}
	for exp < 0 {
		v /= 10
		exp++
	}
	return uint32(v + 0.5)
}

// FileTypeBox represents the ftyp box.
type FileTypeBox struct {
	Brand         Type
	MinorVersion  uint32
	Compatibility []Type
}

// Parse parses the file type box.
func (b *FileTypeBox) Parse(data []byte) error {
	if len(data) < 8 {
		return errors.New("file type box too short")
	}
	b.Brand = Type(binary.BigEndian.Uint32(data[0:4]))
	b.MinorVersion = binary.BigEndian.Uint32(data[4:8])

	// Read compatibility list
	numCompat := (len(data) - 8) / 4
	b.Compatibility = make([]Type, numCompat)
	for i := 0; i < numCompat; i++ {
		b.Compatibility[i] = Type(binary.BigEndian.Uint32(data[8+i*4:]))
	}
	return nil
}

// Bytes returns the box contents.
func (b *FileTypeBox) Bytes() []byte {
	data := make([]byte, 8+4*len(b.Compatibility))
	binary.BigEndian.PutUint32(data[0:4], uint32(b.Brand))
	binary.BigEndian.PutUint32(data[4:8], b.MinorVersion)
	for i, c := range b.Compatibility {
		binary.BigEndian.PutUint32(data[8+i*4:], uint32(c))
	}
	return data
}

// ParseJP2Header parses a JP2 header super-box.
func ParseJP2Header(data []byte) (*JP2Header, error) {
	h := &JP2Header{}
	r := NewReader(&byteReader{data: data})

	for {
		box, err := r.ReadBox()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		switch box.Type {
		case TypeImageHeader:
			h.ImageHeader = &ImageHeaderBox{}
			if err := h.ImageHeader.Parse(box.Contents); err != nil {
				return nil, err
			}
		case TypeBitsPerComp:
			h.BitsPerComp = &BitsPerCompBox{}
			if err := h.BitsPerComp.Parse(box.Contents); err != nil {
				return nil, err
			}
		case TypeColorSpec:
			h.ColorSpec = &ColorSpecBox{}
			if err := h.ColorSpec.Parse(box.Contents); err != nil {
				return nil, err
			}
		case TypeChannelDef:
			h.ChannelDef = &ChannelDefBox{}
			if err := h.ChannelDef.Parse(box.Contents); err != nil {
				return nil, err
			}
		case TypePalette:
			h.Palette = &PaletteBox{}
			if err := h.Palette.Parse(box.Contents); err != nil {
				return nil, err
			}
		case TypeComponentMap:
			h.ComponentMap = &ComponentMapBox{}
			if err := h.ComponentMap.Parse(box.Contents); err != nil {
				return nil, err
			}
		case TypeResolution:
			h.Resolution = &ResolutionBox{}
			if err := h.Resolution.Parse(box.Contents); err != nil {
				return nil, err
			}
		}
	}

	return h, nil
}

// byteReader wraps a byte slice as an io.Reader.
type byteReader struct {
	data []byte
	pos  int
}

func (r *byteReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.pos:])
	r.pos += n
	return n, nil
}

// UUIDBox carries vendor-specific metadata identified by a UUID,
// per ISO/IEC 15444-1 §I.7.2. JPEG 2000 uses this box to smuggle
// arbitrary payloads (XMP packets, GeoJP2 data) into a conformant
// file without a dedicated box type.
type UUIDBox struct {
	ID      uuid.UUID
	Payload []byte
}

// Parse parses the UUID box contents: a 16-byte UUID followed by the
// vendor payload.
func (b *UUIDBox) Parse(data []byte) error {
	if len(data) < 16 {
		return errors.New("uuid box too short")
	}
	id, err := uuid.FromBytes(data[:16])
	if err != nil {
		return fmt.Errorf("uuid box: %w", err)
	}
	b.ID = id
	b.Payload = append([]byte(nil), data[16:]...)
	return nil
}

// Bytes returns the box contents.
func (b *UUIDBox) Bytes() []byte {
	buf := make([]byte, 16+len(b.Payload))
	idBytes, _ := b.ID.MarshalBinary()
	copy(buf[:16], idBytes)
	copy(buf[16:], b.Payload)
	return buf
}

// CreateJP2Header creates a JP2 header box. When alphaComponent is >= 0,
// a channel definition sub-box is added marking that component index as
// an opacity channel (ISO/IEC 15444-1 §I.5.3.6), so a decoder can tell
// a trailing component from genuine image data.
func CreateJP2Header(width, height uint32, numComponents uint16, bitsPerComponent uint8, colorspace uint32, alphaComponent int) *Box {
	// Create image header
	ihdr := &ImageHeaderBox{
		Width:             width,
		Height:            height,
		NumComponents:     numComponents,
		BitsPerComponent:  bitsPerComponent,
		CompressionType:   7, // JP2
		UnknownColorspace: 0,
		IPR:               0,
	}
	ihdrBox := &Box{
		Type:     TypeImageHeader,
		Contents: ihdr.Bytes(),
	}
	ihdrBox.Length = uint64(8 + len(ihdrBox.Contents))

	// Create color specification
	colr := &ColorSpecBox{
		Method:               1, // Enumerated
		Precedence:           0,
		Approximation:        0,
		EnumeratedColorspace: colorspace,
	}
	colrBox := &Box{
		Type:     TypeColorSpec,
		Contents: colr.Bytes(),
	}
	colrBox.Length = uint64(8 + len(colrBox.Contents))

	contents := append(ihdrBox.Bytes(), colrBox.Bytes()...)

	if alphaComponent >= 0 {
		cdef := &ChannelDefBox{Definitions: make([]ChannelDefinition, numComponents)}
		for c := uint16(0); c < numComponents; c++ {
			t := uint16(ChannelTypeColor)
			if int(c) == alphaComponent {
				t = ChannelTypeOpacity
			}
			cdef.Definitions[c] = ChannelDefinition{Channel: c, Type: t, Association: c + 1}
		}
		cdefBox := &Box{Type: TypeChannelDef, Contents: cdef.Bytes()}
		cdefBox.Length = uint64(8 + len(cdefBox.Contents))
		contents = append(contents, cdefBox.Bytes()...)
	}

	return &Box{
		Type:     TypeJP2Header,
		Length:   uint64(8 + len(contents)),
		Contents: contents,
	}
}

// CreateJP2HeaderPalette creates a JP2 header box for a palettized
// image: ihdr and colr as in CreateJP2Header, then the palette and
// component mapping sub-boxes, and a channel definition sub-box when
// alphaChannel >= 0 (an index into the mapped output channels, not the
// codestream components).
func CreateJP2HeaderPalette(width, height uint32, numComponents uint16, bitsPerComponent uint8, colorspace uint32, pal *PaletteBox, cmap *ComponentMapBox, alphaChannel int) *Box {
	ihdr := &ImageHeaderBox{
		Width:             width,
		Height:            height,
		NumComponents:     numComponents,
		BitsPerComponent:  bitsPerComponent,
		CompressionType:   7, // JP2
		UnknownColorspace: 0,
		IPR:               0,
	}

	contents := subBoxBytes(TypeImageHeader, ihdr.Bytes())

	colr := &ColorSpecBox{
		Method:               1, // Enumerated
		Precedence:           0,
		Approximation:        0,
		EnumeratedColorspace: colorspace,
	}
	contents = append(contents, subBoxBytes(TypeColorSpec, colr.Bytes())...)

	contents = append(contents, subBoxBytes(TypePalette, pal.Bytes())...)
	contents = append(contents, subBoxBytes(TypeComponentMap, cmap.Bytes())...)

	if alphaChannel >= 0 {
		n := len(cmap.Mappings)
		cdef := &ChannelDefBox{Definitions: make([]ChannelDefinition, n)}
		for c := 0; c < n; c++ {
			t := uint16(ChannelTypeColor)
			if c == alphaChannel {
				t = ChannelTypeOpacity
			}
			cdef.Definitions[c] = ChannelDefinition{Channel: uint16(c), Type: t, Association: uint16(c) + 1}
		}
		contents = append(contents, subBoxBytes(TypeChannelDef, cdef.Bytes())...)
	}

	return &Box{
		Type:     TypeJP2Header,
		Length:   uint64(8 + len(contents)),
		Contents: contents,
	}
}

// subBoxBytes serializes one sub-box (length, type, contents).
func subBoxBytes(t Type, contents []byte) []byte {
	b := &Box{Type: t, Contents: contents}
	b.Length = uint64(8 + len(contents))
	return b.Bytes()
}

// CreateUUIDBox wraps a vendor payload in a 'uuid' box.
func CreateUUIDBox(id [16]byte, payload []byte) *Box {
	ub := &UUIDBox{ID: uuid.UUID(id), Payload: payload}
	return &Box{
		Type:     TypeUUID,
		Length:   uint64(8 + 16 + len(payload)),
		Contents: ub.Bytes(),
	}
}

// CreateFileTypeBox creates a file type box for JP2.
func CreateFileTypeBox() *Box {
	ftyp := &FileTypeBox{
		Brand:        0x6A703220, // "jp2 "
		MinorVersion: 0,
		Compatibility: []Type{
			0x6A703220, // "jp2 "
		},
	}
	return &Box{
		Type:     TypeFileType,
		Length:   uint64(8 + len(ftyp.Bytes())),
		Contents: ftyp.Bytes(),
	}
}

// CreateCodestreamBox creates a contiguous codestream box.
func CreateCodestreamBox(codestream []byte) *Box {
	return &Box{
		Type:     TypeContCodestream,
		Length:   uint64(8 + len(codestream)),
		Contents: codestream,
	}
}
