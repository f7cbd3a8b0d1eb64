package capture

import (
	"encoding/json"
	"math"

	"pi-capture-pipeline/hardware"
)

// Alignment the sensor requires for its output buffer dimensions
const (
	widthAlign  = 32
	heightAlign = 16
)

// PipelineConfig is the effective capture configuration
type PipelineConfig struct {
	Width    int             `json:"width"`
	Height   int             `json:"height"`
	FPS      int             `json:"fps"`
	Encoding hardware.FourCC `json:"-"`
	Quality  int             `json:"quality"`
	Rotation int             `json:"rotation"`
	Mirror   int             `json:"mirror"`
}

// DefaultPipelineConfig returns 1280x720 JPEG at 30 fps, quality 75
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		Width:    1280,
		Height:   720,
		FPS:      30,
		Encoding: hardware.EncodingJPEG,
		Quality:  75,
	}
}

// AlignedWidth is the sensor buffer width
func (c PipelineConfig) AlignedWidth() int { return hardware.AlignUp(c.Width, widthAlign) }

// AlignedHeight is the sensor buffer height
func (c PipelineConfig) AlignedHeight() int { return hardware.AlignUp(c.Height, heightAlign) }

// Crop is the visible region inside the aligned buffer
func (c PipelineConfig) Crop() hardware.Rect {
	return hardware.Rect{Width: c.Width, Height: c.Height}
}

// MarshalJSON renders the encoding as its tag
func (c PipelineConfig) MarshalJSON() ([]byte, error) {
	type plain PipelineConfig
	return json.Marshal(struct {
		plain
		Encoding string `json:"encoding"`
	}{plain(c), c.Encoding.String()})
}

// Option keys understood by Options
const (
	OptWidth    = "width"
	OptHeight   = "height"
	OptFPS      = "fps"
	OptEncoding = "encoding"
	OptQuality  = "quality"
	OptRotation = "rotation"
	OptMirror   = "mirror"
)

// Options is a partial configuration as decoded from a host request.
// Fields with an unexpected type or out of range are ignored.
type Options map[string]any

// Apply returns base with every valid field of o applied
func (o Options) Apply(base PipelineConfig) PipelineConfig {
	cfg := base
	if v, ok := o.positive(OptWidth); ok {
		cfg.Width = v
	}
	if v, ok := o.positive(OptHeight); ok {
		cfg.Height = v
	}
	if v, ok := o.positive(OptFPS); ok {
		cfg.FPS = v
	}
	if v, ok := o.Quality(); ok {
		cfg.Quality = v
	}
	if v, ok := o.Int(OptRotation); ok {
		cfg.Rotation = v
	}
	if v, ok := o.Int(OptMirror); ok {
		cfg.Mirror = v
	}
	if s, ok := o[OptEncoding].(string); ok {
		cfg.Encoding = hardware.ParseFourCC(s)
	}
	return cfg
}

// Int returns the numeric field key truncated toward zero to 32 bits
func (o Options) Int(key string) (int, bool) {
	v, present := o[key]
	if !present {
		return 0, false
	}
	return toInt32(v)
}

// Quality returns the quality field when it is a number in 0..100
func (o Options) Quality() (int, bool) {
	v, ok := o.Int(OptQuality)
	if !ok || v < 0 || v > 100 {
		return 0, false
	}
	return v, true
}

// Mirror returns the mirror field when it is a number
func (o Options) Mirror() (int, bool) {
	return o.Int(OptMirror)
}

// Ignored lists the known keys present in o whose values Apply skips
func (o Options) Ignored() []string {
	var keys []string
	for _, key := range []string{OptWidth, OptHeight, OptFPS} {
		if _, present := o[key]; present {
			if _, ok := o.positive(key); !ok {
				keys = append(keys, key)
			}
		}
	}
	if _, present := o[OptQuality]; present {
		if _, ok := o.Quality(); !ok {
			keys = append(keys, OptQuality)
		}
	}
	for _, key := range []string{OptRotation, OptMirror} {
		if _, present := o[key]; present {
			if _, ok := o.Int(key); !ok {
				keys = append(keys, key)
			}
		}
	}
	if v, present := o[OptEncoding]; present {
		if _, ok := v.(string); !ok {
			keys = append(keys, OptEncoding)
		}
	}
	return keys
}

func (o Options) positive(key string) (int, bool) {
	v, ok := o.Int(key)
	if !ok || v <= 0 {
		return 0, false
	}
	return v, true
}

func toInt32(v any) (int, bool) {
	var f float64
	switch n := v.(type) {
	case int:
		f = float64(n)
	case int8:
		f = float64(n)
	case int16:
		f = float64(n)
	case int32:
		f = float64(n)
	case int64:
		f = float64(n)
	case uint:
		f = float64(n)
	case uint8:
		f = float64(n)
	case uint16:
		f = float64(n)
	case uint32:
		f = float64(n)
	case uint64:
		f = float64(n)
	case float32:
		f = float64(n)
	case float64:
		f = n
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	f = math.Trunc(f)
	if f > math.MaxInt32 || f < math.MinInt32 {
		return 0, false
	}
	return int(f), true
}
