package geopackage

import (
	"encoding/binary"
	"math"
)

const (
	// Magic is the two byte signature at the start of every geometry blob.
	Magic = "GP"

	// Version1 is the only header version this package understands.
	Version1 uint8 = 0

	headerSize   = 4 // magic, version, flags
	envelopeBase = 8 // header plus int16 srs id and two bytes of padding
	srsIDOffset  = 4
)

// Flag byte layout, bit 7 being the most significant.
const (
	flagReserved   = 0xC0 // bits 7 and 6
	flagExtended   = 0x20 // bit 5
	flagEmpty      = 0x10 // bit 4
	flagEnvelope   = 0x0E // bits 3..1
	flagByteOrder  = 0x01 // bit 0
	envelopeShift  = 1
	maxEnvelopeInd = 4
)

// GeometryFlags is the decoded flag byte of a geometry header.
type GeometryFlags struct {
	Extended          bool  // non-standard (extension) geometry type encoding
	Empty             bool  // geometry is logically empty
	EnvelopeIndicator uint8 // 0 none, 1 XY, 2 XYZ, 3 XYM, 4 XYZM
	LittleEndian      bool  // byte order of the header's multi-byte fields
}

// ByteOrder returns the byte order signaled by the flags.
func (f GeometryFlags) ByteOrder() binary.ByteOrder {
	if f.LittleEndian {
		return binary.LittleEndian
	}
	return binary.BigEndian
}

// Byte re-assembles the flag byte.
func (f GeometryFlags) Byte() byte {
	var b byte
	if f.Extended {
		b |= flagExtended
	}
	if f.Empty {
		b |= flagEmpty
	}
	b |= (f.EnvelopeIndicator << envelopeShift) & flagEnvelope
	if f.LittleEndian {
		b |= flagByteOrder
	}
	return b
}

// Envelope is the optional bounding box stored ahead of the WKB payload.
// Z values are only meaningful when HasZ is set, M values when HasM is set.
type Envelope struct {
	MinX, MaxX float64
	MinY, MaxY float64

	HasZ       bool
	MinZ, MaxZ float64

	HasM       bool
	MinM, MaxM float64
}

// GeometryHeader is the decoded prefix of a GeoPackage geometry blob.
type GeometryHeader struct {
	Version  uint8
	Flags    GeometryFlags
	SRID     int16
	Envelope *Envelope // nil when Flags.EnvelopeIndicator is 0

	// PayloadOffset is where the WKB geometry starts.
	PayloadOffset int
}

// EnvelopeDoubleCount returns the number of float64 values the envelope
// indicator selects, or -1 for values outside 0..4.
func EnvelopeDoubleCount(indicator uint8) int {
	switch indicator {
	case 0:
		return 0
	case 1:
		return 4
	case 2, 3:
		return 6
	case 4:
		return 8
	default:
		return -1
	}
}

// Decode parses the geometry header at the start of buf and returns it along
// with the WKB payload that follows. The payload aliases buf.
func Decode(buf []byte) (*GeometryHeader, []byte, error) {
	h, err := DecodeHeader(buf)
	if err != nil {
		return nil, nil, err
	}
	return h, buf[h.PayloadOffset:], nil
}

// DecodeHeader parses the geometry header at the start of buf.
// It never reads past len(buf); short input fails with ErrTruncatedBuffer.
func DecodeHeader(buf []byte) (*GeometryHeader, error) {
	version, raw, err := validateHeader(buf)
	if err != nil {
		return nil, err
	}

	flags, err := ParseFlags(raw)
	if err != nil {
		return nil, err
	}

	if len(buf) < envelopeBase {
		return nil, truncated(srsIDOffset, envelopeBase, len(buf))
	}
	srid := int16(flags.ByteOrder().Uint16(buf[srsIDOffset:]))

	env, offset, err := readEnvelope(buf, flags)
	if err != nil {
		return nil, err
	}

	return &GeometryHeader{
		Version:       version,
		Flags:         flags,
		SRID:          srid,
		Envelope:      env,
		PayloadOffset: offset,
	}, nil
}

// validateHeader checks magic and version and returns the raw flag byte.
func validateHeader(buf []byte) (uint8, byte, error) {
	if len(buf) < headerSize {
		return 0, 0, truncated(0, headerSize, len(buf))
	}
	if string(buf[0:2]) != Magic {
		return 0, 0, &FormatError{Kind: ErrBadMagic, Offset: 0, Detail: quoteMagic(buf[0:2])}
	}
	if buf[2] != Version1 {
		return 0, 0, &FormatError{Kind: ErrUnsupportedVersion, Offset: 2, Value: int(buf[2])}
	}
	return buf[2], buf[3], nil
}

// ParseFlags decomposes a header flag byte.
func ParseFlags(b byte) (GeometryFlags, error) {
	if b&flagReserved != 0 {
		return GeometryFlags{}, &FormatError{Kind: ErrReservedBitsSet, Offset: 3, Value: int(b)}
	}

	ind := (b & flagEnvelope) >> envelopeShift
	if ind > maxEnvelopeInd {
		return GeometryFlags{}, &FormatError{Kind: ErrInvalidEnvelopeIndicator, Offset: 3, Value: int(ind)}
	}

	return GeometryFlags{
		Extended:          b&flagExtended != 0,
		Empty:             b&flagEmpty != 0,
		EnvelopeIndicator: ind,
		LittleEndian:      b&flagByteOrder != 0,
	}, nil
}

// readEnvelope reads the envelope selected by flags starting at byte 8 and
// returns it with the offset just past it.
func readEnvelope(buf []byte, flags GeometryFlags) (*Envelope, int, error) {
	n := EnvelopeDoubleCount(flags.EnvelopeIndicator)
	if n < 0 {
		return nil, 0, &FormatError{Kind: ErrInvalidEnvelopeIndicator, Offset: 3, Value: int(flags.EnvelopeIndicator)}
	}

	end := envelopeBase + 8*n
	if len(buf) < end {
		return nil, 0, truncated(envelopeBase, end, len(buf))
	}
	if n == 0 {
		return nil, envelopeBase, nil
	}

	order := flags.ByteOrder()
	off := envelopeBase
	next := func() float64 {
		v := math.Float64frombits(order.Uint64(buf[off:]))
		off += 8
		return v
	}

	env := &Envelope{}
	env.MinX, env.MaxX = next(), next()
	env.MinY, env.MaxY = next(), next()

	switch flags.EnvelopeIndicator {
	case 2:
		env.HasZ = true
		env.MinZ, env.MaxZ = next(), next()
	case 3:
		env.HasM = true
		env.MinM, env.MaxM = next(), next()
	case 4:
		env.HasZ = true
		env.MinZ, env.MaxZ = next(), next()
		env.HasM = true
		env.MinM, env.MaxM = next(), next()
	}

	return env, off, nil
}

func truncated(offset, need, have int) *FormatError {
	return &FormatError{Kind: ErrTruncatedBuffer, Offset: offset, Value: need, Detail: lengthDetail(need, have)}
}
