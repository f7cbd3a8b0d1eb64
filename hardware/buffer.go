package hardware

import "time"

// BufferFlags describe a completed buffer
type BufferFlags uint32

const (
	FlagEOS BufferFlags = 1 << iota
	FlagFrameStart
	FlagFrameEnd
	FlagKeyframe
)

// Buffer is a hardware-owned memory region. Offset and Length delimit the
// valid payload after the hardware fills it.
type Buffer struct {
	Data   []byte
	Offset int
	Length int
	Flags  BufferFlags
	PTS    time.Duration

	release func(*Buffer)
}

// NewBuffer wraps data in a Buffer. release is called by Release.
func NewBuffer(data []byte, release func(*Buffer)) *Buffer {
	return &Buffer{Data: data, release: release}
}

// Payload returns the valid region of the buffer, clamped to its capacity
func (b *Buffer) Payload() []byte {
	start := b.Offset
	if start < 0 {
		start = 0
	}
	if start > len(b.Data) {
		start = len(b.Data)
	}
	end := start + b.Length
	if end > len(b.Data) {
		end = len(b.Data)
	}
	return b.Data[start:end]
}

// Reset clears the payload markers before the buffer is reused
func (b *Buffer) Reset() {
	b.Offset = 0
	b.Length = 0
	b.Flags = 0
	b.PTS = 0
}

// Release hands the buffer back to its owning pool
func (b *Buffer) Release() {
	if b.release != nil {
		b.release(b)
	}
}
