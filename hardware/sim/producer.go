package sim

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/anthonynsimon/bild/imgio"
	"github.com/anthonynsimon/bild/transform"
	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"pi-capture-pipeline/hardware"
)

var (
	// ErrNotCapturing is returned by EmitFrame while the sensor's capture flag is off
	ErrNotCapturing = errors.New("sim: capture disabled")
	// ErrNoBuffers is returned when the encoder output has too few buffers queued for a frame
	ErrNoBuffers = errors.New("sim: not enough buffers queued on encoder output")
)

const defaultFrameRate = 30

// Emit completes encoder output buffers with payload, splitting it over as
// many queued buffers as needed, and runs the port callback for each on the
// calling goroutine. It returns the number of buffers completed.
func (h *Hardware) Emit(payload []byte) (int, error) {
	h.mu.Lock()
	p := h.encoderOut
	if p == nil || !p.enabled || p.cb == nil {
		h.mu.Unlock()
		return 0, hardware.ENOTREADY
	}
	return h.deliverLocked(p, payload)
}

// EmitFrame renders and encodes one test frame the way the running pipeline
// is configured, then completes buffers with it like Emit.
func (h *Hardware) EmitFrame() (int, error) {
	h.mu.Lock()
	p := h.encoderOut
	if p == nil || !p.enabled || p.cb == nil {
		h.mu.Unlock()
		return 0, hardware.ENOTREADY
	}
	conn := p.comp.inputs[0].conn
	if conn == nil || !conn.enabled || !conn.out.comp.enabled || !p.comp.enabled {
		h.mu.Unlock()
		return 0, hardware.ENOTREADY
	}
	if !conn.out.capturing() {
		h.mu.Unlock()
		return 0, ErrNotCapturing
	}
	crop := conn.out.committed.Crop
	encoding := p.committed.Encoding
	quality := int(p.uint32Param(hardware.ParamJPEGQFactor, 75))
	mirror := p.uint32Param(hardware.ParamMirror, hardware.MirrorNone)
	h.frameSeq++
	seq := h.frameSeq
	h.mu.Unlock()

	data, err := encodeFrame(renderPattern(crop.Width, crop.Height, seq), encoding, quality, mirror)
	if err != nil {
		return 0, err
	}

	h.mu.Lock()
	if !p.enabled || p.cb == nil {
		h.mu.Unlock()
		return 0, hardware.ENOTREADY
	}
	return h.deliverLocked(p, data)
}

// deliverLocked fills queued buffers with payload and invokes the callback.
// Called with h.mu held; returns with it released.
func (h *Hardware) deliverLocked(p *port, payload []byte) (int, error) {
	need, remaining := 0, len(payload)
	for {
		if need >= len(p.queue) {
			h.stats.DroppedFrames++
			h.mu.Unlock()
			return 0, ErrNoBuffers
		}
		remaining -= len(p.queue[need].Data)
		need++
		if remaining <= 0 {
			break
		}
	}

	total := len(payload)
	bufs := p.queue[:need]
	p.queue = append([]*hardware.Buffer(nil), p.queue[need:]...)
	pts := time.Duration(h.frameSeq) * time.Second / defaultFrameRate
	for i, b := range bufs {
		n := copy(b.Data, payload)
		payload = payload[n:]
		b.Offset = 0
		b.Length = n
		b.PTS = pts
		if i == 0 {
			b.Flags |= hardware.FlagFrameStart
		}
		if i == len(bufs)-1 {
			b.Flags |= hardware.FlagFrameEnd
		}
		if pl, ok := h.owners[b]; ok {
			pl.state[b] = atClient
		}
	}
	h.stats.Completed += uint64(need)
	h.stats.Frames++
	h.stats.Bytes += uint64(total)
	cb := p.cb
	p.inflight.Add(1)
	h.mu.Unlock()

	defer p.inflight.Done()
	for _, b := range bufs {
		cb(p, b)
	}
	return need, nil
}

// produce is the simulated hardware thread feeding the encoder output
func (h *Hardware) produce(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	interval := h.frameInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	h.logger.Debug("Producer started", zap.Duration("interval", interval))
	for {
		select {
		case <-stop:
			st := h.Stats()
			h.logger.Debug("Producer stopped",
				zap.Uint64("frames", st.Frames),
				zap.Uint64("dropped", st.DroppedFrames),
				zap.String("bytes", humanize.Bytes(st.Bytes)))
			return
		case <-ticker.C:
			if _, err := h.EmitFrame(); err != nil {
				if !errors.Is(err, ErrNotCapturing) && !errors.Is(err, hardware.ENOTREADY) {
					h.logger.Debug("Frame not produced", zap.Error(err))
				}
			}
		}
	}
}

func (h *Hardware) frameInterval() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()

	fps := defaultFrameRate
	if p := h.encoderOut; p != nil {
		fr := p.comp.inputs[0].committed.FrameRate
		if fr.Num > 0 && fr.Den > 0 {
			fps = fr.Num / fr.Den
		}
	}
	if fps <= 0 {
		fps = defaultFrameRate
	}
	return time.Second / time.Duration(fps)
}

// renderPattern draws a gradient with a moving bar and a green marker in the
// top-left corner so orientation survives encoding.
func renderPattern(w, h int, seq uint64) *image.RGBA {
	if w <= 0 {
		w = 16
	}
	if h <= 0 {
		h = 16
	}
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	bar := int(seq*8) % w
	mark := w / 8
	if h/8 < mark {
		mark = h / 8
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			off := img.PixOffset(x, y)
			r, g, b := uint8(x*255/w), uint8(y*255/h), uint8(seq*4)
			switch {
			case x < mark && y < mark:
				r, g, b = 0, 255, 0
			case x >= bar && x < bar+16:
				r, g, b = 255, 255, 255
			}
			img.Pix[off] = r
			img.Pix[off+1] = g
			img.Pix[off+2] = b
			img.Pix[off+3] = 255
		}
	}
	return img
}

func encodeFrame(img image.Image, encoding hardware.FourCC, quality int, mirror uint32) ([]byte, error) {
	switch mirror {
	case hardware.MirrorVertical:
		img = transform.FlipV(img)
	case hardware.MirrorHorizontal:
		img = transform.FlipH(img)
	case hardware.MirrorBoth:
		img = transform.FlipH(transform.FlipV(img))
	}

	var enc imgio.Encoder
	switch encoding {
	case hardware.EncodingJPEG:
		enc = imgio.JPEGEncoder(quality)
	case hardware.EncodingPNG:
		enc = imgio.PNGEncoder()
	case hardware.EncodingBMP:
		enc = imgio.BMPEncoder()
	default:
		return nil, fmt.Errorf("unsupported encoding %q: %w", encoding.String(), hardware.ENOSYS)
	}

	var buf bytes.Buffer
	if err := enc(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	return buf.Bytes(), nil
}
