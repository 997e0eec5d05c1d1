package decoder

import (
	"fmt"
	"strconv"
	"strings"
)

const asciiCutset = " \x00\r\n"

// ASCIIString packs each word big-endian into two characters, drops anything that is not 7-bit ASCII and strips
// trailing NULs, CRs, LFs and spaces.
func ASCIIString(words []uint16) string {
	b := make([]byte, 0, len(words)*2)
	for _, w := range words {
		for _, c := range []byte{byte(w >> 8), byte(w)} {
			if c < 0x80 {
				b = append(b, c)
			}
		}
	}
	return strings.TrimRight(string(b), asciiCutset)
}

// ASCIIWords is the inverse of ASCIIString: it packs s into exactly n registers, padding with NULs.
// Characters beyond 2*n are dropped.
func ASCIIWords(s string, n int) []uint16 {
	b := make([]byte, n*2)
	copy(b, s)
	words := make([]uint16, n)
	for i := range words {
		words[i] = uint16(b[2*i])<<8 | uint16(b[2*i+1])
	}
	return words
}

// ReversedHexString renders each word as four upper case hex digits, reverses those digits and concatenates the result.
// This is how grid inverters expose their serial number.
func ReversedHexString(words []uint16) string {
	var sb strings.Builder
	for _, w := range words {
		h := []byte(fmt.Sprintf("%04X", w))
		for i, j := 0, len(h)-1; i < j; i, j = i+1, j-1 {
			h[i], h[j] = h[j], h[i]
		}
		sb.Write(h)
	}
	return sb.String()
}

// ReversedHexWords is the inverse of ReversedHexString. The serial must be a multiple of four hex digits.
func ReversedHexWords(serial string) ([]uint16, error) {
	if len(serial)%4 != 0 {
		return nil, fmt.Errorf("serial %q is not a multiple of four digits", serial)
	}
	words := make([]uint16, 0, len(serial)/4)
	for i := 0; i < len(serial); i += 4 {
		chunk := []byte(serial[i : i+4])
		chunk[0], chunk[1], chunk[2], chunk[3] = chunk[3], chunk[2], chunk[1], chunk[0]
		w, err := strconv.ParseUint(string(chunk), 16, 16)
		if err != nil {
			return nil, fmt.Errorf("parse serial chunk %q: %w", serial[i:i+4], err)
		}
		words = append(words, uint16(w))
	}
	return words, nil
}
