package parser

import (
	"bytes"
	"fmt"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"

	"census/pkg/platform/sentinel"
)

var (
	bomUTF8    = []byte{0xEF, 0xBB, 0xBF}
	bomUTF16LE = []byte{0xFF, 0xFE}
	bomUTF16BE = []byte{0xFE, 0xFF}
)

// DetectAndDecode sniffs the encoding of raw census bytes, strips any BOM,
// and returns UTF-8 along with the detected encoding name. Tenants export
// from spreadsheet tools, so UTF-16 and ISO-8859-1 show up regularly.
func DetectAndDecode(data []byte) ([]byte, string, error) {
	if len(data) == 0 {
		return data, "utf-8", nil
	}

	if bytes.HasPrefix(data, bomUTF8) {
		return data[len(bomUTF8):], "utf-8-bom", nil
	}
	if bytes.HasPrefix(data, bomUTF16LE) {
		decoded, err := unicode.UTF16(unicode.LittleEndian, unicode.ExpectBOM).NewDecoder().Bytes(data)
		if err != nil {
			return nil, "", fmt.Errorf("decode utf-16le: %w", sentinel.ErrBadEncoding)
		}
		return decoded, "utf-16le", nil
	}
	if bytes.HasPrefix(data, bomUTF16BE) {
		decoded, err := unicode.UTF16(unicode.BigEndian, unicode.ExpectBOM).NewDecoder().Bytes(data)
		if err != nil {
			return nil, "", fmt.Errorf("decode utf-16be: %w", sentinel.ErrBadEncoding)
		}
		return decoded, "utf-16be", nil
	}

	if utf8.Valid(data) {
		return data, "utf-8", nil
	}

	// Reject inputs that look binary before falling back to ISO-8859-1, which
	// would otherwise happily decode anything.
	if looksBinary(data) {
		return nil, "", fmt.Errorf("unrecognised encoding: %w", sentinel.ErrBadEncoding)
	}

	decoded, err := charmap.ISO8859_1.NewDecoder().Bytes(data)
	if err != nil {
		return nil, "", fmt.Errorf("decode iso-8859-1: %w", sentinel.ErrBadEncoding)
	}
	return decoded, "iso-8859-1", nil
}

// looksBinary samples the head of the input for control bytes that never
// occur in delimited text.
func looksBinary(data []byte) bool {
	sample := data
	if len(sample) > 8192 {
		sample = sample[:8192]
	}
	control := 0
	for _, b := range sample {
		if b == 0x00 {
			return true
		}
		if b < 0x09 || (b > 0x0D && b < 0x20) {
			control++
		}
	}
	return control*100 > len(sample)
}
