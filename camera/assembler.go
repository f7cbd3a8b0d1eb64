package camera

// FrameAssembler joins delivered chunks into whole frames. The encoder fills
// buffers of a fixed size, so a chunk shorter than that size closes a frame.
// JPEG frames also close as soon as the EOI marker arrives, which covers
// frames whose size is an exact multiple of the buffer size.
type FrameAssembler struct {
	chunkSize  int
	maxSize    int
	buf        []byte
	discarding bool
	dropped    uint64
}

// NewFrameAssembler creates an assembler for chunks of up to chunkSize bytes.
// Frames growing past maxSize are discarded; zero disables the limit.
func NewFrameAssembler(chunkSize, maxSize int) *FrameAssembler {
	return &FrameAssembler{chunkSize: chunkSize, maxSize: maxSize}
}

// Push adds a chunk and returns the completed frame, if this chunk ended one
func (a *FrameAssembler) Push(chunk []byte) ([]byte, bool) {
	if !a.discarding {
		if a.maxSize > 0 && len(a.buf)+len(chunk) > a.maxSize {
			a.discarding = true
			a.buf = nil
			a.dropped++
		} else {
			a.buf = append(a.buf, chunk...)
		}
	}

	if !a.frameEnd(chunk) {
		return nil, false
	}
	if a.discarding {
		a.discarding = false
		return nil, false
	}
	frame := a.buf
	a.buf = nil
	return frame, true
}

func (a *FrameAssembler) frameEnd(chunk []byte) bool {
	if a.chunkSize > 0 && len(chunk) < a.chunkSize {
		return true
	}
	b := a.buf
	if a.discarding {
		b = chunk
	}
	n := len(b)
	if n < 2 || b[n-2] != 0xFF || b[n-1] != 0xD9 {
		return false
	}
	return a.discarding || (n >= 4 && b[0] == 0xFF && b[1] == 0xD8)
}

// Reset drops any partial frame. The dropped counter is kept.
func (a *FrameAssembler) Reset() {
	a.buf = nil
	a.discarding = false
}

// Pending is the number of bytes held for an incomplete frame
func (a *FrameAssembler) Pending() int { return len(a.buf) }

// Dropped is the number of frames discarded for exceeding the size limit
func (a *FrameAssembler) Dropped() uint64 { return a.dropped }
