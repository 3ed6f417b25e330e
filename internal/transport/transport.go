// Package transport provides SPI link backends for talking to the flash chip.
//
// A backend moves raw bytes over the SPI bus and controls when chip select is
// released. The FT4222 backend drives the on-board USB-to-SPI bridge; the
// serial bridge backend drives an external SPI programmer attached to a
// serial port.
package transport

import "errors"

var (
	// ErrDeviceNotFound is returned when no matching programmer hardware is
	// present at session start.
	ErrDeviceNotFound = errors.New("no programmer device found")

	// ErrShortTransfer is returned when the link moved fewer bytes than
	// requested. It indicates a hardware or link fault, never a data fault.
	ErrShortTransfer = errors.New("transferred byte count mismatch")
)

// Transport is a raw SPI byte link with explicit chip-select control.
//
// A flash command may span several transfers: the opcode and address go out
// with endTransaction=false, the payload follows with endTransaction=true.
// Chip select stays asserted until a transfer with endTransaction=true
// completes.
type Transport interface {
	// Transmit sends all of p. A partial send is reported as ErrShortTransfer.
	Transmit(p []byte, endTransaction bool) error

	// Receive reads exactly n bytes. A partial read is reported as
	// ErrShortTransfer.
	Receive(n int, endTransaction bool) ([]byte, error)

	// Close releases the underlying device.
	Close() error
}
