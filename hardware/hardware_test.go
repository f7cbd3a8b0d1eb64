package hardware

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseFourCC(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"JPEG", "JPEG"},
		{"PNG", "PNG "},
		{"", "    "},
		{"GIFFY", "GIFF"},
	}
	for _, tt := range tests {
		got := ParseFourCC(tt.in)
		if got.String() != tt.want {
			t.Errorf("ParseFourCC(%q) = %q, want %q", tt.in, got.String(), tt.want)
		}
	}
	assert.Equal(t, EncodingJPEG, ParseFourCC("JPEG"))
	assert.Equal(t, EncodingPNG, ParseFourCC("PNG"))
}

func TestFourCCLayout(t *testing.T) {
	// little-endian packing, first character in the low byte
	assert.Equal(t, FourCC(0x4745504a), EncodingJPEG)
	assert.Equal(t, "image/jpeg", EncodingJPEG.MIMEType())
	assert.Equal(t, "png", EncodingPNG.Name())
}

func TestAlignUp(t *testing.T) {
	tests := []struct{ v, n, want int }{
		{1280, 32, 1280},
		{1000, 32, 1024},
		{720, 16, 720},
		{1080, 16, 1088},
		{1, 16, 16},
		{5, 0, 5},
	}
	for _, tt := range tests {
		if got := AlignUp(tt.v, tt.n); got != tt.want {
			t.Errorf("AlignUp(%d, %d) = %d, want %d", tt.v, tt.n, got, tt.want)
		}
	}
}

func TestResultOf(t *testing.T) {
	assert.Equal(t, Success, ResultOf(nil))
	assert.Equal(t, ENOSPC, ResultOf(ENOSPC))
	assert.Equal(t, EINVAL, ResultOf(fmt.Errorf("failed to commit: %w", EINVAL)))
	assert.Equal(t, EFAULT, ResultOf(errors.New("plain")))
	assert.Equal(t, "hardware: ENOMEM", ENOMEM.Error())
	assert.Equal(t, "Result(99)", Result(99).String())
}

func TestBufferPayload(t *testing.T) {
	released := 0
	b := NewBuffer(make([]byte, 8), func(*Buffer) { released++ })
	copy(b.Data, "abcdefgh")

	b.Offset, b.Length = 2, 3
	assert.Equal(t, []byte("cde"), b.Payload())

	b.Offset, b.Length = 6, 10
	assert.Equal(t, []byte("gh"), b.Payload())

	b.Reset()
	assert.Empty(t, b.Payload())

	b.Release()
	assert.Equal(t, 1, released)
}
