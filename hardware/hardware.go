// Package hardware describes the capability layer the capture pipeline drives:
// components with ports, buffer pools, tunnelled connections and parameters.
// Implementations live elsewhere (see hardware/sim).
package hardware

// ComponentKind selects which component a Capability creates
type ComponentKind string

const (
	// KindSensor is the camera sensor component
	KindSensor ComponentKind = "vc.ril.camera"
	// KindImageEncoder is the still image encoder component
	KindImageEncoder ComponentKind = "vc.ril.image_encode"
)

// ConnectionFlags control how a connection moves buffers between ports
type ConnectionFlags uint32

const (
	// ConnectionTunnelling passes buffers port to port without client involvement
	ConnectionTunnelling ConnectionFlags = 1 << iota
	// ConnectionAllocationOnInput allocates connection buffers on the input port
	ConnectionAllocationOnInput
)

// BufferCallback is invoked by the hardware on its own execution context when
// a port finishes with a buffer. The callee owns the buffer until it is sent
// back to a port or released.
type BufferCallback func(port Port, buf *Buffer)

// Capability is the entry point to the hardware
type Capability interface {
	CreateComponent(kind ComponentKind) (Component, error)
	CreatePool(port Port, num, size int) (Pool, error)
	CreateConnection(out, in Port, flags ConnectionFlags) (Connection, error)
}

// Component is a hardware processing block
type Component interface {
	Name() string
	Control() Port
	Inputs() []Port
	Outputs() []Port
	Enable() error
	Disable() error
	Destroy() error
}

// Port is an input, output or control endpoint of a component
type Port interface {
	Name() string

	// Format returns the port's pending format. Changes take effect on CommitFormat.
	Format() *Format
	CommitFormat() error

	BufferSize() int
	BufferNum() int
	BufferSizeRecommended() int
	BufferNumRecommended() int
	SetBufferSize(size int)
	SetBufferNum(num int)

	Enable(cb BufferCallback) error
	Disable() error
	IsEnabled() bool

	SendBuffer(buf *Buffer) error
	SetParameter(p Parameter) error
}

// Pool is a fixed set of buffers allocated for a port
type Pool interface {
	Len() int
	// Get takes a free buffer out of the pool
	Get() (*Buffer, bool)
	Destroy() error
}

// Connection links an output port to an input port
type Connection interface {
	Enable() error
	Disable() error
	Destroy() error
}
