// Package fits encodes captured frames as single-HDU FITS files: an
// 80-character card header padded to 2880-byte blocks, followed by
// big-endian pixel data padded the same way. Unsigned 16-bit data is stored
// as signed with BZERO=32768 per the FITS convention.
package fits

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
)

const blockSize = 2880
const cardSize = 80

// Image is the pixel payload. BitPix selects Pix8 or Pix16. Planes > 1
// adds a NAXIS3 axis (RGB artifacts); data is plane-outermost, each plane
// row-major.
type Image struct {
	Width  int
	Height int
	BitPix int // 8 or 16
	Planes int // 0 or 1 = single plane
	Pix8   []byte
	Pix16  []uint16
}

// Card is one header keyword. Value types: bool, int, int64, float64,
// string. Nil-valued cards render as comment-style keywords.
type Card struct {
	Key     string
	Value   interface{}
	Comment string
}

// Encode renders the image and cards into a complete FITS byte stream.
func Encode(img Image, cards []Card) ([]byte, error) {
	planes := img.Planes
	if planes == 0 {
		planes = 1
	}
	samples := img.Width * img.Height * planes
	switch img.BitPix {
	case 8:
		if len(img.Pix8) != samples {
			return nil, fmt.Errorf("fits: have %d bytes, want %d", len(img.Pix8), samples)
		}
	case 16:
		if len(img.Pix16) != samples {
			return nil, fmt.Errorf("fits: have %d samples, want %d", len(img.Pix16), samples)
		}
	default:
		return nil, fmt.Errorf("fits: unsupported bitpix %d", img.BitPix)
	}

	var buf bytes.Buffer

	naxis := 2
	if planes > 1 {
		naxis = 3
	}
	header := []Card{
		{"SIMPLE", true, "file does conform to FITS standard"},
		{"BITPIX", img.BitPix, "number of bits per data pixel"},
		{"NAXIS", naxis, "number of data axes"},
		{"NAXIS1", img.Width, "length of data axis 1"},
		{"NAXIS2", img.Height, "length of data axis 2"},
	}
	if planes > 1 {
		header = append(header, Card{"NAXIS3", planes, "length of data axis 3"})
	}
	header = append(header, Card{"EXTEND", true, "FITS dataset may contain extensions"})
	if img.BitPix == 16 {
		header = append(header,
			Card{"BZERO", 32768, "offset data range to that of unsigned short"},
			Card{"BSCALE", 1, "default scaling factor"},
		)
	}
	header = append(header, cards...)

	for _, c := range header {
		buf.WriteString(formatCard(c))
	}
	buf.WriteString(fmt.Sprintf("%-80s", "END"))
	pad(&buf, ' ')

	if img.BitPix == 8 {
		buf.Write(img.Pix8)
	} else {
		raw := make([]byte, 2*len(img.Pix16))
		for i, v := range img.Pix16 {
			// unsigned-to-signed shift per BZERO
			binary.BigEndian.PutUint16(raw[2*i:], v^0x8000)
		}
		buf.Write(raw)
	}
	pad(&buf, 0)

	return buf.Bytes(), nil
}

func pad(buf *bytes.Buffer, fill byte) {
	rem := buf.Len() % blockSize
	if rem == 0 {
		return
	}
	buf.Write(bytes.Repeat([]byte{fill}, blockSize-rem))
}

func formatCard(c Card) string {
	key := strings.ToUpper(c.Key)
	if len(key) > 8 {
		key = key[:8]
	}
	var val string
	switch v := c.Value.(type) {
	case bool:
		if v {
			val = fmt.Sprintf("%20s", "T")
		} else {
			val = fmt.Sprintf("%20s", "F")
		}
	case int:
		val = fmt.Sprintf("%20d", v)
	case int64:
		val = fmt.Sprintf("%20d", v)
	case float64:
		val = fmt.Sprintf("%20s", trimFloat(v))
	case string:
		quoted := "'" + strings.ReplaceAll(v, "'", "''") + "'"
		val = fmt.Sprintf("%-20s", quoted)
	default:
		// commentary keyword, no value indicator
		return fmt.Sprintf("%-80s", fmt.Sprintf("%-8s%s", key, c.Comment))[:cardSize]
	}
	card := fmt.Sprintf("%-8s= %s", key, val)
	if c.Comment != "" {
		card += " / " + c.Comment
	}
	if len(card) > cardSize {
		card = card[:cardSize]
	}
	return fmt.Sprintf("%-80s", card)
}

// trimFloat renders a float compactly but always with a decimal point or
// exponent, as FITS requires for real values.
func trimFloat(v float64) string {
	s := fmt.Sprintf("%g", v)
	if !strings.ContainsAny(s, ".eE") {
		s += "."
	}
	return s
}
