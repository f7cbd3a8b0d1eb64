package camera

import (
	"time"

	"pi-capture-pipeline/hardware"
)

// Frame is one complete encoded image
type Frame struct {
	Seq       uint64
	Data      []byte
	Timestamp time.Time
	Width     int
	Height    int
	Encoding  hardware.FourCC
}

// MIMEType returns the content type of the frame data
func (f *Frame) MIMEType() string {
	return f.Encoding.MIMEType()
}
