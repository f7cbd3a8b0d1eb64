package hardware

// ParamID identifies a port parameter
type ParamID uint32

const (
	ParamCameraConfig ParamID = iota + 1
	ParamCapture
	ParamJPEGQFactor
	ParamJPEGRestartInterval
	ParamMirror
	ParamRotation
)

func (id ParamID) String() string {
	switch id {
	case ParamCameraConfig:
		return "camera_config"
	case ParamCapture:
		return "capture"
	case ParamJPEGQFactor:
		return "jpeg_q_factor"
	case ParamJPEGRestartInterval:
		return "jpeg_restart_interval"
	case ParamMirror:
		return "mirror"
	case ParamRotation:
		return "rotation"
	}
	return "unknown"
}

// Parameter is a value that can be set on a port
type Parameter interface {
	ParamID() ParamID
}

// Uint32Param carries an unsigned integer parameter
type Uint32Param struct {
	ID    ParamID
	Value uint32
}

func (p Uint32Param) ParamID() ParamID { return p.ID }

// BoolParam carries a boolean parameter
type BoolParam struct {
	ID    ParamID
	Value bool
}

func (p BoolParam) ParamID() ParamID { return p.ID }

// TimestampMode selects how the sensor stamps buffers
type TimestampMode int

const (
	TimestampZero TimestampMode = iota
	TimestampRawSTC
	TimestampResetSTC
)

// CameraConfig is the sensor's global configuration, set on its control port
type CameraConfig struct {
	MaxStillsWidth                  int
	MaxStillsHeight                 int
	StillsYUV422                    bool
	OneShotStills                   bool
	MaxPreviewVideoWidth            int
	MaxPreviewVideoHeight           int
	NumPreviewVideoFrames           int
	StillsCaptureCircularBufferSize int
	FastPreviewResume               bool
	UseSTCTimestamp                 TimestampMode
}

func (CameraConfig) ParamID() ParamID { return ParamCameraConfig }

// Mirror values accepted by ParamMirror
const (
	MirrorNone       uint32 = 0
	MirrorVertical   uint32 = 1
	MirrorHorizontal uint32 = 2
	MirrorBoth       uint32 = 3
)
