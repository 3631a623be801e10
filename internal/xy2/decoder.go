package xy2

import "math/bits"

const (
	// FrameBits is the wire word length per channel per SYNC cycle.
	FrameBits = 20

	header16 = 0b001

	wordMask       = 0xFFFFF
	position16Mask = 0xFFFF
	position18Mask = 0x3FFFF
)

// DecodeWord classifies one accumulated 20-bit word and validates its parity.
// Bit 19 is the first bit transmitted, bit 0 the last.
//
// The all-zero word returns ok=false and no frame: an unconnected channel
// samples as constant zero, and neither valid mode can encode a zero word
// (the header bits are never all zero), so dropping it is unambiguous.
func DecodeWord(word uint32, ch Channel, start, end int64) (Frame, bool) {
	word &= wordMask
	f := Frame{Channel: ch, Start: start, End: end}
	switch {
	case word>>19 == 1:
		// Enhanced 18-bit mode. Odd parity across header, position and
		// parity bit.
		f.Kind = Frame18
		f.Header = 1
		f.Position = word >> 1 & position18Mask
		f.ParityOK = word&1 == oddParity(word>>1)
	case word>>17 == header16:
		// Standard 16-bit mode. Even parity across header, position and
		// parity bit.
		f.Kind = Frame16
		f.Header = header16
		f.Position = word >> 1 & position16Mask
		f.ParityOK = word&1 == evenParity(word>>1)
	default:
		if word == 0 {
			return Frame{}, false
		}
		f.Kind = FrameInvalid
		f.Header = uint8(word >> 17)
	}
	return f, true
}

// EncodeWord16 builds a standard-mode wire word for pos with correct parity.
func EncodeWord16(pos uint16) uint32 {
	word := uint32(header16)<<17 | uint32(pos)<<1
	return word | evenParity(word>>1)
}

// EncodeWord18 builds an enhanced-mode wire word for pos with correct parity.
// Only the low 18 bits of pos are used.
func EncodeWord18(pos uint32) uint32 {
	word := uint32(1)<<19 | (pos&position18Mask)<<1
	return word | oddParity(word>>1)
}

// oddParity returns the parity bit that makes the total number of set bits,
// payload plus parity, odd.
func oddParity(payload uint32) uint32 {
	if bits.OnesCount32(payload)%2 == 0 {
		return 1
	}
	return 0
}

// evenParity returns the parity bit that makes the total number of set bits,
// payload plus parity, even.
func evenParity(payload uint32) uint32 {
	if bits.OnesCount32(payload)%2 == 1 {
		return 1
	}
	return 0
}
