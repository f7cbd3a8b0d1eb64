package mjpeg

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// JPEG marker codes used by the RTP/JPEG payload format
const (
	markerSOI  = 0xD8
	markerEOI  = 0xD9
	markerSOF0 = 0xC0
	markerSOF1 = 0xC1
	markerDHT  = 0xC4
	markerDQT  = 0xDB
	markerDRI  = 0xDD
	markerSOS  = 0xDA
)

// RFC 2435 type values
const (
	jpegType422 = 0
	jpegType420 = 1
	// added to the type when restart markers are present
	jpegTypeRestart = 64
)

var (
	ErrNotJPEG          = errors.New("invalid JPEG: missing SOI marker")
	ErrUnsupportedJPEG  = errors.New("unsupported JPEG layout for RTP")
	ErrTruncatedJPEG    = errors.New("truncated JPEG")
	ErrMissingScanData  = errors.New("JPEG has no scan data")
	ErrOversizedPicture = errors.New("picture exceeds 2040x2040")
)

// jpegFrame holds the parts of a baseline JPEG that RFC 2435 transmits
type jpegFrame struct {
	Width           int
	Height          int
	Type            uint8
	RestartInterval uint16
	// quantisation tables in component order (luma, chroma)
	Tables    [][]byte
	Precision uint8
	Scan      []byte
}

// parseJPEG walks the marker segments of a baseline JPEG
func parseJPEG(data []byte) (*jpegFrame, error) {
	if len(data) < 4 || data[0] != 0xFF || data[1] != markerSOI {
		return nil, ErrNotJPEG
	}

	var (
		frame      jpegFrame
		tables     [4][]byte
		precisions [4]bool
		tableIDs   []uint8
		sawSOF     bool
	)

	i := 2
	for i < len(data) {
		if data[i] != 0xFF {
			return nil, fmt.Errorf("%w: expected marker at offset %d", ErrTruncatedJPEG, i)
		}
		// fill bytes
		for i < len(data) && data[i] == 0xFF {
			i++
		}
		if i >= len(data) {
			return nil, ErrTruncatedJPEG
		}
		marker := data[i]
		i++

		if marker == markerEOI {
			break
		}
		if i+2 > len(data) {
			return nil, ErrTruncatedJPEG
		}
		length := int(binary.BigEndian.Uint16(data[i:]))
		if length < 2 || i+length > len(data) {
			return nil, ErrTruncatedJPEG
		}
		seg := data[i+2 : i+length]

		switch marker {
		case markerSOF0, markerSOF1:
			ids, err := frame.parseSOF(seg)
			if err != nil {
				return nil, err
			}
			tableIDs = ids
			sawSOF = true

		case markerDQT:
			for len(seg) > 0 {
				pq, tq := seg[0]>>4, seg[0]&0x0F
				size := 64
				if pq != 0 {
					size = 128
				}
				if tq > 3 || len(seg) < 1+size {
					return nil, fmt.Errorf("%w: bad DQT segment", ErrUnsupportedJPEG)
				}
				tables[tq] = seg[1 : 1+size]
				precisions[tq] = pq != 0
				seg = seg[1+size:]
			}

		case markerDRI:
			if len(seg) < 2 {
				return nil, ErrTruncatedJPEG
			}
			frame.RestartInterval = binary.BigEndian.Uint16(seg)

		case markerSOS:
			if !sawSOF {
				return nil, fmt.Errorf("%w: scan before frame header", ErrUnsupportedJPEG)
			}
			start := i + length
			end := len(data)
			if end-start >= 2 && data[end-2] == 0xFF && data[end-1] == markerEOI {
				end -= 2
			}
			if end <= start {
				return nil, ErrMissingScanData
			}
			frame.Scan = data[start:end]

			for n, id := range tableIDs {
				if tables[id] == nil {
					return nil, fmt.Errorf("%w: missing quantisation table %d", ErrUnsupportedJPEG, id)
				}
				// luma and chroma only; Cb and Cr share a table
				if n < 2 {
					frame.Tables = append(frame.Tables, tables[id])
					if precisions[id] {
						frame.Precision |= 1 << n
					}
				}
			}
			if frame.RestartInterval > 0 {
				frame.Type += jpegTypeRestart
			}
			return &frame, nil

		case markerDHT:
			// standard tables are assumed by the receiver
		}

		i += length
	}

	return nil, ErrMissingScanData
}

// parseSOF reads the frame header and returns the quantisation table id of
// each component
func (f *jpegFrame) parseSOF(seg []byte) ([]uint8, error) {
	if len(seg) < 6 {
		return nil, ErrTruncatedJPEG
	}
	if seg[0] != 8 {
		return nil, fmt.Errorf("%w: %d-bit samples", ErrUnsupportedJPEG, seg[0])
	}
	f.Height = int(binary.BigEndian.Uint16(seg[1:]))
	f.Width = int(binary.BigEndian.Uint16(seg[3:]))
	if f.Width == 0 || f.Height == 0 {
		return nil, fmt.Errorf("%w: zero dimension", ErrUnsupportedJPEG)
	}
	if f.Width > 2040 || f.Height > 2040 {
		return nil, ErrOversizedPicture
	}

	n := int(seg[5])
	if n != 3 || len(seg) < 6+3*n {
		return nil, fmt.Errorf("%w: %d components", ErrUnsupportedJPEG, n)
	}
	comps := seg[6:]
	ids := make([]uint8, n)
	for c := 0; c < n; c++ {
		ids[c] = comps[c*3+2]
		if ids[c] > 3 {
			return nil, fmt.Errorf("%w: table id %d", ErrUnsupportedJPEG, ids[c])
		}
		if c > 0 && comps[c*3+1] != 0x11 {
			return nil, fmt.Errorf("%w: chroma sampling %#x", ErrUnsupportedJPEG, comps[c*3+1])
		}
	}

	switch comps[1] {
	case 0x21:
		f.Type = jpegType422
	case 0x22:
		f.Type = jpegType420
	default:
		return nil, fmt.Errorf("%w: luma sampling %#x", ErrUnsupportedJPEG, comps[1])
	}
	return ids, nil
}
