package hardware

import (
	"errors"
	"fmt"
)

// Result is the numeric status code reported by hardware operations
type Result int

const (
	Success Result = iota
	ENOMEM
	ENOSPC
	EINVAL
	ENOSYS
	ENOENT
	ENXIO
	EIO
	ESPIPE
	ECORRUPT
	ENOTREADY
	ECONFIG
	EISCONN
	ENOTCONN
	EAGAIN
	EFAULT
)

var resultNames = map[Result]string{
	Success:   "SUCCESS",
	ENOMEM:    "ENOMEM",
	ENOSPC:    "ENOSPC",
	EINVAL:    "EINVAL",
	ENOSYS:    "ENOSYS",
	ENOENT:    "ENOENT",
	ENXIO:     "ENXIO",
	EIO:       "EIO",
	ESPIPE:    "ESPIPE",
	ECORRUPT:  "ECORRUPT",
	ENOTREADY: "ENOTREADY",
	ECONFIG:   "ECONFIG",
	EISCONN:   "EISCONN",
	ENOTCONN:  "ENOTCONN",
	EAGAIN:    "EAGAIN",
	EFAULT:    "EFAULT",
}

func (r Result) String() string {
	if name, ok := resultNames[r]; ok {
		return name
	}
	return fmt.Sprintf("Result(%d)", int(r))
}

func (r Result) Error() string {
	return "hardware: " + r.String()
}

// ResultOf extracts the hardware status code carried by err.
// Nil maps to Success, errors without a code map to EFAULT.
func ResultOf(err error) Result {
	if err == nil {
		return Success
	}
	var r Result
	if errors.As(err, &r) {
		return r
	}
	return EFAULT
}
