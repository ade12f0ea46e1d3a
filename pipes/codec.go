// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package pipes

import (
	"strings"
	"unicode"
)

// EncodeFunc turns a payload into a single line of wire text.
type EncodeFunc func(string) string

// DecodeFunc reverses an EncodeFunc.
type DecodeFunc func(string) string

// EncoderFor returns the encoder for an encode version. Versions above 1
// use [Encode]; everything else, including the unnegotiated version 0,
// uses [EncodeLegacy].
func EncoderFor(version int) EncodeFunc {
	if version > EncodeVersionLegacy {
		return Encode
	}
	return EncodeLegacy
}

// DecoderFor returns the decoder matching [EncoderFor].
func DecoderFor(version int) DecodeFunc {
	if version > EncodeVersionLegacy {
		return Decode
	}
	return DecodeLegacy
}

// Encode escapes s with the version 2 rules. The characters
// ' " \ NUL BEL BS FF LF CR TAB VT become two-character backslash
// sequences; every other character, multi-byte UTF-8 included, is copied
// unchanged.
func Encode(s string) string {
	if s == "" {
		return ""
	}

	var sb strings.Builder
	sb.Grow(len(s))

	// All escaped characters are ASCII, so walking bytes never splits a
	// multi-byte sequence.
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '\'':
			sb.WriteString(`\'`)
		case '"':
			sb.WriteString(`\"`)
		case '\\':
			sb.WriteString(`\\`)
		case 0:
			sb.WriteString(`\0`)
		case '\a':
			sb.WriteString(`\a`)
		case '\b':
			sb.WriteString(`\b`)
		case '\f':
			sb.WriteString(`\f`)
		case '\n':
			sb.WriteString(`\n`)
		case '\r':
			sb.WriteString(`\r`)
		case '\t':
			sb.WriteString(`\t`)
		case '\v':
			sb.WriteString(`\v`)
		default:
			sb.WriteByte(c)
		}
	}
	return sb.String()
}

// Decode reverses [Encode]. An escape sequence it does not know is kept as
// the literal backslash and character. A trailing lone backslash is
// dropped.
func Decode(s string) string {
	if s == "" {
		return ""
	}

	var sb strings.Builder
	sb.Grow(len(s))

	escape := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !escape {
			if c == '\\' {
				escape = true
			} else {
				sb.WriteByte(c)
			}
			continue
		}

		switch c {
		case '\'', '"', '\\':
			sb.WriteByte(c)
		case '0':
			sb.WriteByte(0)
		case 'a':
			sb.WriteByte('\a')
		case 'b':
			sb.WriteByte('\b')
		case 'f':
			sb.WriteByte('\f')
		case 'n':
			sb.WriteByte('\n')
		case 'r':
			sb.WriteByte('\r')
		case 't':
			sb.WriteByte('\t')
		case 'v':
			sb.WriteByte('\v')
		default:
			sb.WriteByte('\\')
			sb.WriteByte(c)
		}
		escape = false
	}
	return sb.String()
}

// EncodeLegacy escapes s with the version 1 rules: LF becomes `\n`, CR
// becomes `\r` and trailing whitespace is trimmed.
//
// Version 1 is kept for peers that cannot negotiate. It is lossy:
// trailing whitespace is lost, a literal `\n` or `\r` already present in
// s decodes to a line break, and a backslash directly before an escaped
// line break makes [DecodeLegacy] leave the sequence alone.
func EncodeLegacy(s string) string {
	if s == "" {
		return ""
	}
	s = strings.ReplaceAll(s, "\n", `\n`)
	s = strings.ReplaceAll(s, "\r", `\r`)
	return strings.TrimRightFunc(s, unicode.IsSpace)
}

// DecodeLegacy reverses [EncodeLegacy] where it can. All `\n` sequences
// are handled first, then all `\r` sequences. A sequence is only replaced
// when the run of backslashes in front of it has even length.
func DecodeLegacy(s string) string {
	if s == "" {
		return ""
	}
	s = unescapeLegacy(s, `\n`, "\n")
	return unescapeLegacy(s, `\r`, "\r")
}

func unescapeLegacy(s, seq, repl string) string {
	index := 0
	for index < len(s) {
		i := strings.Index(s[index:], seq)
		if i < 0 {
			break
		}
		index += i

		count := 0
		for index-count-1 >= 0 && s[index-count-1] == '\\' {
			count++
		}
		if count%2 != 0 {
			index++
			continue
		}

		s = s[:index] + repl + s[index+len(seq):]
	}
	return s
}
