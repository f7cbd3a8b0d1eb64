package mjpeg

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
)

const (
	// RTP constants
	RTPVersion         = 2
	RTPPayloadTypeJPEG = 26
	RTPHeaderSize      = 12
	JPEGHeaderSize     = 8
	RestartHeaderSize  = 4
	QTableHeaderSize   = 4

	// RFC 2435 JPEG/RTP specific
	DefaultMTU     = 1400
	MaxPayloadSize = DefaultMTU - RTPHeaderSize - JPEGHeaderSize
	RTPClockRate   = 90000 // Standard clock rate for video

	// Q values 128-255 signal dynamic tables; 255 means they travel in-band
	dynamicQ = 255
)

// RTPPacketizer handles RTP/JPEG packetization according to RFC 2435
type RTPPacketizer struct {
	// Configuration
	payloadType uint8
	ssrc        uint32
	mtu         int

	// State
	sequenceNumber uint32
	timestamp      uint32
	clockRate      uint32

	// Statistics
	packetsSent uint64
	bytesSent   uint64
	framesSent  uint64
}

// JPEGHeader represents the JPEG-specific RTP header (RFC 2435 Section 3.1)
type JPEGHeader struct {
	TypeSpecific   uint8
	FragmentOffset uint32 // 24 bits
	Type           uint8
	Q              uint8
	Width          uint8 // Frame width / 8
	Height         uint8 // Frame height / 8
}

// Marshal appends the 8-byte header to b
func (h JPEGHeader) Marshal(b []byte) []byte {
	return append(b,
		h.TypeSpecific,
		byte(h.FragmentOffset>>16), byte(h.FragmentOffset>>8), byte(h.FragmentOffset),
		h.Type, h.Q, h.Width, h.Height)
}

// NewRTPPacketizer creates a new RTP packetizer
func NewRTPPacketizer(ssrc uint32, mtu int) *RTPPacketizer {
	if mtu <= RTPHeaderSize+JPEGHeaderSize+RestartHeaderSize {
		mtu = DefaultMTU
	}

	return &RTPPacketizer{
		payloadType: RTPPayloadTypeJPEG,
		ssrc:        ssrc,
		mtu:         mtu,
		clockRate:   RTPClockRate,
	}
}

// PacketizeJPEG splits a JPEG frame into RTP packets according to RFC 2435.
// Only the entropy-coded scan travels as payload; picture size, sampling and
// quantisation tables are carried in the RTP/JPEG headers.
// Returns list of packets ready to send via UDP
func (p *RTPPacketizer) PacketizeJPEG(jpegData []byte, timestamp uint32) ([][]byte, error) {
	if len(jpegData) == 0 {
		return nil, fmt.Errorf("empty JPEG data")
	}

	frame, err := parseJPEG(jpegData)
	if err != nil {
		return nil, fmt.Errorf("failed to parse JPEG: %w", err)
	}

	hdr := JPEGHeader{
		Type:   frame.Type,
		Q:      dynamicQ,
		Width:  uint8((frame.Width + 7) / 8),
		Height: uint8((frame.Height + 7) / 8),
	}

	var restart []byte
	if frame.RestartInterval > 0 {
		restart = make([]byte, RestartHeaderSize)
		binary.BigEndian.PutUint16(restart, frame.RestartInterval)
		// F=1 L=1, restart count 0x3FFF
		binary.BigEndian.PutUint16(restart[2:], 0xFFFF)
	}

	qtable := make([]byte, QTableHeaderSize)
	qtable[1] = frame.Precision
	qlen := 0
	for _, t := range frame.Tables {
		qlen += len(t)
	}
	binary.BigEndian.PutUint16(qtable[2:], uint16(qlen))
	for _, t := range frame.Tables {
		qtable = append(qtable, t...)
	}

	seqNum := atomic.LoadUint32(&p.sequenceNumber)
	scan := frame.Scan
	packets := make([][]byte, 0, len(scan)/(p.mtu-RTPHeaderSize-JPEGHeaderSize)+1)
	bytesOut := 0

	for offset := 0; offset < len(scan); {
		room := p.mtu - RTPHeaderSize - JPEGHeaderSize - len(restart)
		if offset == 0 {
			room -= len(qtable)
		}
		if room <= 0 {
			return nil, fmt.Errorf("MTU %d too small for quantisation tables", p.mtu)
		}
		size := room
		if offset+size > len(scan) {
			size = len(scan) - offset
		}
		isLast := offset+size >= len(scan)

		hdr.FragmentOffset = uint32(offset)
		payload := make([]byte, 0, JPEGHeaderSize+len(restart)+len(qtable)+size)
		payload = hdr.Marshal(payload)
		payload = append(payload, restart...)
		if offset == 0 {
			payload = append(payload, qtable...)
		}
		payload = append(payload, scan[offset:offset+size]...)

		pkt := rtp.Packet{
			Header: rtp.Header{
				Version:        RTPVersion,
				Marker:         isLast,
				PayloadType:    p.payloadType,
				SequenceNumber: uint16(seqNum),
				Timestamp:      timestamp,
				SSRC:           p.ssrc,
			},
			Payload: payload,
		}
		raw, err := pkt.Marshal()
		if err != nil {
			return nil, fmt.Errorf("failed to marshal RTP packet: %w", err)
		}
		packets = append(packets, raw)
		bytesOut += len(raw)

		seqNum = (seqNum + 1) & 0xFFFF
		offset += size
	}

	atomic.StoreUint32(&p.sequenceNumber, seqNum)
	atomic.StoreUint32(&p.timestamp, timestamp)

	atomic.AddUint64(&p.packetsSent, uint64(len(packets)))
	atomic.AddUint64(&p.bytesSent, uint64(bytesOut))
	atomic.AddUint64(&p.framesSent, 1)

	return packets, nil
}

// CalculateTimestamp calculates RTP timestamp based on FPS
func (p *RTPPacketizer) CalculateTimestamp(fps int) uint32 {
	if fps <= 0 {
		fps = 30
	}
	increment := p.clockRate / uint32(fps)
	newTimestamp := atomic.AddUint32(&p.timestamp, increment)
	return newTimestamp - increment
}

// GetSequenceNumber returns current sequence number
func (p *RTPPacketizer) GetSequenceNumber() uint32 {
	return atomic.LoadUint32(&p.sequenceNumber)
}

// GetStats returns packetizer statistics
func (p *RTPPacketizer) GetStats() PacketizerStats {
	return PacketizerStats{
		PacketsSent: atomic.LoadUint64(&p.packetsSent),
		BytesSent:   atomic.LoadUint64(&p.bytesSent),
		FramesSent:  atomic.LoadUint64(&p.framesSent),
		CurrentSeq:  atomic.LoadUint32(&p.sequenceNumber),
		CurrentTS:   atomic.LoadUint32(&p.timestamp),
	}
}

// PacketizerStats holds statistics about RTP packetization
type PacketizerStats struct {
	PacketsSent uint64 `json:"packets_sent"`
	BytesSent   uint64 `json:"bytes_sent"`
	FramesSent  uint64 `json:"frames_sent"`
	CurrentSeq  uint32 `json:"current_seq"`
	CurrentTS   uint32 `json:"current_ts"`
}

// Reset resets the packetizer state
func (p *RTPPacketizer) Reset() {
	atomic.StoreUint32(&p.sequenceNumber, 0)
	atomic.StoreUint32(&p.timestamp, 0)
	atomic.StoreUint64(&p.packetsSent, 0)
	atomic.StoreUint64(&p.bytesSent, 0)
	atomic.StoreUint64(&p.framesSent, 0)
}

// TimestampGenerator helps generate consistent timestamps
type TimestampGenerator struct {
	startTime time.Time
	clockRate uint32
	fps       int
}

// NewTimestampGenerator creates a new timestamp generator
func NewTimestampGenerator(fps int) *TimestampGenerator {
	if fps <= 0 {
		fps = 30
	}
	return &TimestampGenerator{
		startTime: time.Now(),
		clockRate: RTPClockRate,
		fps:       fps,
	}
}

// Next returns the next timestamp based on elapsed time
func (tg *TimestampGenerator) Next() uint32 {
	elapsed := time.Since(tg.startTime)
	return uint32(elapsed.Seconds() * float64(tg.clockRate))
}

// NextFrameBased returns the next timestamp based on frame count
func (tg *TimestampGenerator) NextFrameBased(frameCount uint64) uint32 {
	increment := tg.clockRate / uint32(tg.fps)
	return uint32(frameCount) * increment
}
