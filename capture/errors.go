package capture

import (
	"errors"
	"fmt"
	"strings"

	"pi-capture-pipeline/hardware"
)

var (
	// ErrConsumerRequired is returned when a controller is built without a consumer
	ErrConsumerRequired = errors.New("a frame consumer is required")
	// ErrAlreadyActive is returned by Start when the pipeline is running
	ErrAlreadyActive = errors.New("camera already active")
	// ErrNotActive is returned by operations that need a running pipeline
	ErrNotActive = errors.New("camera not active")
	// ErrNoOutputPorts is returned when the sensor exposes no output port
	ErrNoOutputPorts = errors.New("camera doesn't have output ports")
	// ErrPoolExhausted is returned when the pool hands out fewer buffers than it holds
	ErrPoolExhausted = errors.New("failed to get buffer from pool")
)

// Step names a stage of Start
type Step string

const (
	StepCreateSensor       Step = "create camera"
	StepEnableControl      Step = "enable camera control port"
	StepCameraConfig       Step = "set camera config"
	StepSensorFormat       Step = "commit camera output format"
	StepEnableSensor       Step = "enable camera"
	StepCreateEncoder      Step = "create encoder"
	StepEncoderFormat      Step = "commit encoder output format"
	StepQuality            Step = "set encoder quality"
	StepRestartInterval    Step = "set encoder restart interval"
	StepEnableEncoder      Step = "enable encoder"
	StepCreatePool         Step = "create buffer pool"
	StepCreateConnection   Step = "create connection"
	StepEnableConnection   Step = "enable connection"
	StepEnableOutput       Step = "enable encoder output port"
	StepSeedBuffers        Step = "send buffers to encoder output port"
	StepSetMirror          Step = "set encoder mirror"
	StepDisableCapture     Step = "disable camera capture"
	StepEnableCapture      Step = "enable camera capture"
	StepSensorOutputLookup Step = "find camera output port"
)

// Error is returned by controller operations. Code is the hardware status
// when a hardware call failed; Value is the parameter value that was being
// applied when HasValue is set.
type Error struct {
	Op       string
	Step     Step
	Code     hardware.Result
	Value    int
	HasValue bool
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.Step != "" {
		b.WriteString(": failed to ")
		b.WriteString(string(e.Step))
	}
	if e.Err != nil && e.Code == hardware.Success {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if e.Code != hardware.Success {
		fmt.Fprintf(&b, " (code %s", e.Code)
		if e.HasValue {
			fmt.Fprintf(&b, ", value %d", e.Value)
		}
		b.WriteString(")")
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

func opError(op string, err error) *Error {
	return &Error{Op: op, Err: err}
}

func stepError(op string, step Step, err error) *Error {
	e := &Error{Op: op, Step: step, Err: err}
	if !errors.Is(err, ErrNoOutputPorts) && !errors.Is(err, ErrPoolExhausted) {
		e.Code = hardware.ResultOf(err)
	}
	return e
}

func valueError(op string, step Step, value int, err error) *Error {
	e := stepError(op, step, err)
	e.Value = value
	e.HasValue = true
	return e
}
