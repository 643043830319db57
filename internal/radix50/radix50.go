// Package radix50 implements DEC's RADIX-50 name packing: three characters
// per 16-bit word over a fixed 40-symbol alphabet.
package radix50

import "strings"

// alphabet is the 40-symbol RADIX-50 character set, index == radix-50 digit.
const alphabet = " ABCDEFGHIJKLMNOPQRSTUVWXYZ$.%0123456789"

var charToDigit [256]int8

func init() {
	for i := range charToDigit {
		charToDigit[i] = -1
	}
	for i := 0; i < len(alphabet); i++ {
		charToDigit[alphabet[i]] = int8(i)
	}
}

// EncodeWord packs three characters (space-padded) into one RADIX-50 word.
// Characters outside the alphabet are replaced with '.' (the DEC convention
// for "undefined"), the same substitution Transliterate makes, rather than
// failing outright.
func EncodeWord(s string) uint16 {
	var digits [3]int
	for i := 0; i < 3; i++ {
		c := byte(' ')
		if i < len(s) {
			c = s[i]
		}
		d := charToDigit[c]
		if d < 0 {
			d = charToDigit['.']
		}
		digits[i] = int(d)
	}
	return uint16(digits[0]*40*40 + digits[1]*40 + digits[2])
}

// DecodeWord unpacks one RADIX-50 word into three characters (trailing
// spaces are significant to the caller; TrimName strips them).
func DecodeWord(w uint16) string {
	v := int(w)
	if v < 0 || v >= 40*40*40 {
		return "???"
	}
	d0 := v / (40 * 40)
	v -= d0 * 40 * 40
	d1 := v / 40
	d2 := v - d1*40
	return string([]byte{alphabet[d0], alphabet[d1], alphabet[d2]})
}

// EncodeName packs an up-to-6-character base name into two RADIX-50 words.
func EncodeName(name string) (w0, w1 uint16) {
	name = Transliterate(name)
	if len(name) > 6 {
		name = name[:6]
	}
	return EncodeWord(name), EncodeWord(pad(name, 3, 6))
}

// DecodeName unpacks two RADIX-50 words into a trimmed 6-character base name.
func DecodeName(w0, w1 uint16) string {
	return strings.TrimRight(DecodeWord(w0)+DecodeWord(w1), " ")
}

// EncodeExt packs an up-to-3-character extension into one RADIX-50 word.
func EncodeExt(ext string) uint16 {
	ext = Transliterate(ext)
	if len(ext) > 3 {
		ext = ext[:3]
	}
	return EncodeWord(ext)
}

// DecodeExt unpacks one RADIX-50 word into a trimmed 3-character extension.
func DecodeExt(w uint16) string {
	return strings.TrimRight(DecodeWord(w), " ")
}

func pad(s string, from, to int) string {
	if len(s) <= from {
		return ""
	}
	if len(s) > to {
		s = s[:to]
	}
	return s[from:]
}

// Transliterate uppercases s and maps any character outside the RADIX-50
// alphabet to '.'.
func Transliterate(s string) string {
	s = strings.ToUpper(s)
	b := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if charToDigit[c] < 0 {
			b[i] = '.'
		} else {
			b[i] = c
		}
	}
	return string(b)
}

// Valid reports whether every character of s (case-folded) is representable
// in the RADIX-50 alphabet, without substitution.
func Valid(s string) bool {
	s = strings.ToUpper(s)
	for i := 0; i < len(s); i++ {
		if charToDigit[s[i]] < 0 {
			return false
		}
	}
	return true
}
