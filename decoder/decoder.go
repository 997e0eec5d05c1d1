package decoder

import (
	"fmt"
	"math"
)

// DataType represents the different ways a run of registers can be interpreted.
type DataType struct {
	name  string
	words int // number of registers the type spans, 0 if the type spans any number (ASCII)
}

func (d DataType) String() string {
	return d.name
}

var (
	// U16 is a single unsigned register.
	U16 = DataType{name: "U16", words: 1}
	// S16 is a single two's-complement register.
	S16 = DataType{name: "S16", words: 1}
	// U32 is two registers, high word first.
	U32 = DataType{name: "U32", words: 2}
	// S32 is two two's-complement registers, high word first.
	S32 = DataType{name: "S32", words: 2}
	// ASCII packs two characters into each register, high byte first.
	ASCII = DataType{name: "ASCII", words: 0}
)

// Descriptor describes how to turn the values of one or more registers into a typed value.
type Descriptor struct {
	Registers  []uint16 // ordered register addresses, for numerics the high word comes first
	DataType   DataType
	Multiplier float64 // 0 or 1 yields an integer, anything else a scaled float
}

// DecodeError is returned when a run of register values cannot be decoded with a descriptor.
type DecodeError struct {
	Registers []uint16
	Reason    string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode registers %v: %s", e.Registers, e.Reason)
}

// Decode converts the given register values into an int64, float64 or string, depending on the descriptor.
// The number of words must match the number of registers in the descriptor.
func Decode(desc Descriptor, words []uint16) (interface{}, error) {
	if len(desc.Registers) == 0 {
		return nil, &DecodeError{Reason: "no registers"}
	}
	if len(words) != len(desc.Registers) {
		return nil, &DecodeError{Registers: desc.Registers, Reason: fmt.Sprintf("got %d words for %d registers", len(words), len(desc.Registers))}
	}

	if desc.DataType == ASCII {
		return ASCIIString(words), nil
	}

	if desc.DataType.words != len(words) {
		return nil, &DecodeError{Registers: desc.Registers, Reason: fmt.Sprintf("%s needs %d registers", desc.DataType, desc.DataType.words)}
	}

	var raw int64
	switch desc.DataType {
	case U16:
		raw = int64(words[0])
	case S16:
		raw = int64(int16(words[0]))
	case U32:
		raw = int64(uint32(words[0])<<16 | uint32(words[1]))
	case S32:
		raw = CombineSigned(words[0], words[1])
	default:
		return nil, &DecodeError{Registers: desc.Registers, Reason: fmt.Sprintf("unsupported data type %q", desc.DataType)}
	}

	return scale(raw, desc.Multiplier), nil
}

// CombineSigned sign-extends the high and low words and combines them as (high << 16) | (low & 0xFFFF).
func CombineSigned(high, low uint16) int64 {
	h := int64(int16(high))
	l := int64(int16(low))
	return (h << 16) | (l & 0xFFFF)
}

// scale applies the multiplier. Scaled values are rounded to the decimal places of the multiplier, so 2345 * 0.1
// decodes to 234.5 rather than 234.50000000000003.
func scale(raw int64, multiplier float64) interface{} {
	if multiplier == 0 || multiplier == 1 {
		return raw
	}
	return Round(float64(raw)*multiplier, decimalPlaces(multiplier))
}

// decimalPlaces returns the number of decimal places needed to represent multiplier, up to 6.
func decimalPlaces(multiplier float64) int {
	m := math.Abs(multiplier)
	for places := 0; places < 6; places++ {
		if math.Abs(m-math.Round(m)) < 1e-9 {
			return places
		}
		m *= 10
	}
	return 6
}

// Round returns the decoded value rounded to the given number of decimal places, leaving integers and strings untouched.
func Round(value interface{}, places int) interface{} {
	f, ok := value.(float64)
	if !ok {
		return value
	}
	pow := math.Pow(10, float64(places))
	return math.Round(f*pow) / pow
}
