package decoder

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {

	type subTest struct {
		name     string
		desc     Descriptor
		words    []uint16
		expected interface{}
	}

	subTests := []subTest{
		{"u16", Descriptor{Registers: []uint16{33049}, DataType: U16, Multiplier: 1}, []uint16{0xFFFF}, int64(65535)},
		{"s16 max", Descriptor{Registers: []uint16{33049}, DataType: S16, Multiplier: 1}, []uint16{0x7FFF}, int64(32767)},
		{"s16 min", Descriptor{Registers: []uint16{33049}, DataType: S16, Multiplier: 1}, []uint16{0x8000}, int64(-32768)},
		{"s16 minus one", Descriptor{Registers: []uint16{33049}, DataType: S16, Multiplier: 1}, []uint16{0xFFFF}, int64(-1)},
		{"zero multiplier is integer", Descriptor{Registers: []uint16{33049}, DataType: U16, Multiplier: 0}, []uint16{42}, int64(42)},
		{"scaled", Descriptor{Registers: []uint16{33049}, DataType: U16, Multiplier: 0.5}, []uint16{3}, float64(1.5)},
		{"scaled signed", Descriptor{Registers: []uint16{33049}, DataType: S16, Multiplier: 0.5}, []uint16{0xFFFE}, float64(-1)},
		{"u32", Descriptor{Registers: []uint16{33057, 33058}, DataType: U32, Multiplier: 1}, []uint16{0x0001, 0x0002}, int64(65538)},
		{"u32 large", Descriptor{Registers: []uint16{33057, 33058}, DataType: U32, Multiplier: 1}, []uint16{0xFFFF, 0xFFFF}, int64(4294967295)},
		{"s32 negative", Descriptor{Registers: []uint16{33079, 33080}, DataType: S32, Multiplier: 1}, []uint16{0xFFFF, 0xFFFE}, int64(-2)},
		{"s32 positive", Descriptor{Registers: []uint16{33079, 33080}, DataType: S32, Multiplier: 1}, []uint16{0x0000, 0x8000}, int64(32768)},
		{"s32 scaled", Descriptor{Registers: []uint16{33079, 33080}, DataType: S32, Multiplier: 0.1}, []uint16{0x0000, 100}, float64(10)},
		{"scaled tenths are exact", Descriptor{Registers: []uint16{33049}, DataType: U16, Multiplier: 0.1}, []uint16{2345}, float64(234.5)},
		{"scaled hundredths are exact", Descriptor{Registers: []uint16{33094}, DataType: U16, Multiplier: 0.01}, []uint16{4999}, float64(49.99)},
		{"ascii", Descriptor{Registers: []uint16{33004, 33005}, DataType: ASCII}, []uint16{12596, 12338}, "1402"},
	}

	for _, test := range subTests {
		t.Run(test.name, func(t *testing.T) {
			val, err := Decode(test.desc, test.words)
			require.NoError(t, err)
			assert.Equal(t, test.expected, val)
		})
	}
}

func TestDecodeErrors(t *testing.T) {

	type subTest struct {
		name  string
		desc  Descriptor
		words []uint16
	}

	subTests := []subTest{
		{"length mismatch", Descriptor{Registers: []uint16{1, 2}, DataType: U32}, []uint16{1}},
		{"no registers", Descriptor{DataType: U16}, nil},
		{"u16 across two registers", Descriptor{Registers: []uint16{1, 2}, DataType: U16}, []uint16{1, 2}},
	}

	for _, test := range subTests {
		t.Run(test.name, func(t *testing.T) {
			_, err := Decode(test.desc, test.words)
			var decodeErr *DecodeError
			assert.ErrorAs(t, err, &decodeErr)
		})
	}
}

func TestS16Law(t *testing.T) {
	desc := Descriptor{Registers: []uint16{1}, DataType: S16, Multiplier: 1}
	for w := 0; w <= 0xFFFF; w += 97 {
		expected := int64(w)
		if w >= 32768 {
			expected = int64(w) - 65536
		}
		val, err := Decode(desc, []uint16{uint16(w)})
		require.NoError(t, err)
		assert.Equal(t, expected, val)
	}
}

func TestS32Law(t *testing.T) {
	desc := Descriptor{Registers: []uint16{1, 2}, DataType: S32, Multiplier: 1}
	for _, pair := range [][2]uint16{{0, 0}, {0x7FFF, 0xFFFF}, {0x8000, 0}, {0xFFFF, 0xFFFF}, {0x1234, 0xABCD}} {
		val, err := Decode(desc, pair[:])
		require.NoError(t, err)
		assert.Equal(t, CombineSigned(pair[0], pair[1]), val)
		assert.Equal(t, int64(int32(uint32(pair[0])<<16|uint32(pair[1]))), val)
	}
}

func TestASCII(t *testing.T) {

	type subTest struct {
		name     string
		words    []uint16
		expected string
	}

	subTests := []subTest{
		{"trailing nuls", []uint16{0x4142, 0x4300, 0x0000}, "ABC"},
		{"trailing whitespace", []uint16{0x4142, 0x200D, 0x0A00}, "AB"},
		{"leading space kept", []uint16{0x2041, 0x420D, 0x0A00}, " AB"},
		{"tab kept", []uint16{0x4142, 0x0900}, "AB\t"},
		{"non ascii bytes dropped", []uint16{0x41FF, 0x4243}, "ABC"},
		{"empty", []uint16{0, 0}, ""},
	}

	for _, test := range subTests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.expected, ASCIIString(test.words))
		})
	}
}

func TestASCIIRoundTripIsIdempotent(t *testing.T) {
	for _, words := range [][]uint16{
		{12596, 12338, 0, 0},
		{0x2020, 0x4142, 0x430D},
		ASCIIWords("  6031050123456789 ", 16),
	} {
		once := ASCIIString(words)
		twice := ASCIIString(ASCIIWords(once, len(words)))
		assert.Equal(t, once, twice)
	}
}

func TestReversedHex(t *testing.T) {
	serial := ReversedHexString([]uint16{0x4321, 0x8765, 0xCBA9, 0x0FED})
	assert.Equal(t, "123456789ABCDEF0", serial)

	words, err := ReversedHexWords(serial)
	require.NoError(t, err)
	assert.Equal(t, []uint16{0x4321, 0x8765, 0xCBA9, 0x0FED}, words)

	_, err = ReversedHexWords("123")
	assert.Error(t, err)
}
