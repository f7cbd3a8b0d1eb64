package hardware

import "strings"

// FourCC is a four character code packed little-endian into 32 bits
type FourCC uint32

// Well-known encodings
var (
	EncodingJPEG = MakeFourCC('J', 'P', 'E', 'G')
	EncodingPNG  = MakeFourCC('P', 'N', 'G', ' ')
	EncodingBMP  = MakeFourCC('B', 'M', 'P', ' ')
	EncodingI420 = MakeFourCC('I', '4', '2', '0')
	EncodingOpaq = MakeFourCC('O', 'P', 'Q', 'V')
)

// MakeFourCC packs four characters into a FourCC
func MakeFourCC(a, b, c, d byte) FourCC {
	return FourCC(uint32(a) | uint32(b)<<8 | uint32(c)<<16 | uint32(d)<<24)
}

// ParseFourCC builds a FourCC from the first four bytes of s, padding short
// strings with spaces.
func ParseFourCC(s string) FourCC {
	var tag [4]byte
	for i := range tag {
		tag[i] = ' '
		if i < len(s) {
			tag[i] = s[i]
		}
	}
	return MakeFourCC(tag[0], tag[1], tag[2], tag[3])
}

func (f FourCC) String() string {
	b := []byte{byte(f), byte(f >> 8), byte(f >> 16), byte(f >> 24)}
	return string(b)
}

// MIMEType returns the content type for known still encodings
func (f FourCC) MIMEType() string {
	switch f {
	case EncodingJPEG:
		return "image/jpeg"
	case EncodingPNG:
		return "image/png"
	case EncodingBMP:
		return "image/bmp"
	}
	return "application/octet-stream"
}

// Name returns the tag without padding, lower-cased
func (f FourCC) Name() string {
	return strings.ToLower(strings.TrimRight(f.String(), " "))
}

// Rect is a crop rectangle
type Rect struct {
	X, Y, Width, Height int
}

// Rational is a frame rate expressed as Num/Den
type Rational struct {
	Num, Den int
}

// Format describes the data flowing through a port
type Format struct {
	Encoding  FourCC
	Width     int
	Height    int
	Crop      Rect
	FrameRate Rational
}

// CopyFrom overwrites f with src
func (f *Format) CopyFrom(src *Format) {
	*f = *src
}

// AlignUp rounds v up to a multiple of n
func AlignUp(v, n int) int {
	if n <= 0 {
		return v
	}
	return (v + n - 1) / n * n
}
