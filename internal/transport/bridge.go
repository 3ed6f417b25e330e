package transport

import (
	"fmt"
	"time"

	"go.bug.st/serial"
)

// Wire protocol of the serial SPI programmer bridge. Every exchange starts
// with a four byte header: opcode, flags, then the payload length as a
// little-endian 16-bit count. The bridge acknowledges a transmit with ackByte
// once the bytes have been shifted out; a receive returns the requested bytes
// directly.
const (
	bridgeOpTransmit = 0x01
	bridgeOpReceive  = 0x02

	bridgeFlagEndTransaction = 0x01

	ackByte = 0x06
)

// bridgeMaxTransfer is the largest payload one bridge frame can carry, bound
// by the 16-bit length field. Larger transfers are split across frames with
// chip select held between them.
const bridgeMaxTransfer = 0xFFFF

const bridgeReadTimeout = 500 * time.Millisecond

// Bridge drives an SPI programmer attached to a serial port.
type Bridge struct {
	port     serial.Port
	portName string
}

// OpenBridge opens the serial port and prepares it for the bridge protocol.
func OpenBridge(portName string, baudRate int) (*Bridge, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open port %s: %w", portName, err)
	}

	if err := port.SetReadTimeout(bridgeReadTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to set read timeout: %w", err)
	}

	b := &Bridge{port: port, portName: portName}
	b.port.ResetInputBuffer()
	return b, nil
}

// PortName returns the serial port the bridge is attached to.
func (b *Bridge) PortName() string {
	return b.portName
}

func (b *Bridge) header(op, flags byte, length int) []byte {
	return []byte{op, flags, byte(length), byte(length >> 8)}
}

func flagsFor(endTransaction bool) byte {
	if endTransaction {
		return bridgeFlagEndTransaction
	}
	return 0
}

// Transmit sends all of p through the bridge, splitting payloads the length
// field cannot carry in one frame.
func (b *Bridge) Transmit(p []byte, endTransaction bool) error {
	for {
		chunk := p
		last := true
		if len(chunk) > bridgeMaxTransfer {
			chunk = p[:bridgeMaxTransfer]
			last = false
		}
		if err := b.transmitFrame(chunk, endTransaction && last); err != nil {
			return err
		}
		if last {
			return nil
		}
		p = p[bridgeMaxTransfer:]
	}
}

// transmitFrame sends one frame and waits for the bridge's acknowledge.
func (b *Bridge) transmitFrame(p []byte, endTransaction bool) error {
	frame := append(b.header(bridgeOpTransmit, flagsFor(endTransaction), len(p)), p...)

	n, err := b.port.Write(frame)
	if err != nil {
		return fmt.Errorf("bridge write failed: %w", err)
	}
	if n != len(frame) {
		return fmt.Errorf("bridge wrote %d of %d bytes: %w", n, len(frame), ErrShortTransfer)
	}

	ack, err := b.readExactly(1)
	if err != nil {
		return err
	}
	if ack[0] != ackByte {
		return fmt.Errorf("bridge rejected transfer (0x%02X)", ack[0])
	}
	return nil
}

// Receive reads exactly n bytes shifted in by the bridge, splitting requests
// the length field cannot carry in one frame.
func (b *Bridge) Receive(n int, endTransaction bool) ([]byte, error) {
	buf := make([]byte, 0, n)
	for {
		chunk := n
		last := true
		if chunk > bridgeMaxTransfer {
			chunk = bridgeMaxTransfer
			last = false
		}
		data, err := b.receiveFrame(chunk, endTransaction && last)
		if err != nil {
			return nil, err
		}
		buf = append(buf, data...)
		if last {
			return buf, nil
		}
		n -= chunk
	}
}

func (b *Bridge) receiveFrame(n int, endTransaction bool) ([]byte, error) {
	hdr := b.header(bridgeOpReceive, flagsFor(endTransaction), n)

	m, err := b.port.Write(hdr)
	if err != nil {
		return nil, fmt.Errorf("bridge write failed: %w", err)
	}
	if m != len(hdr) {
		return nil, fmt.Errorf("bridge wrote %d of %d bytes: %w", m, len(hdr), ErrShortTransfer)
	}

	return b.readExactly(n)
}

// readExactly loops port reads until n bytes arrive. The port read timeout
// bounds each individual read, so a stalled bridge surfaces as a short
// transfer rather than a hang.
func (b *Bridge) readExactly(n int) ([]byte, error) {
	buf := make([]byte, n)
	read := 0
	for read < n {
		m, err := b.port.Read(buf[read:])
		if err != nil {
			return nil, fmt.Errorf("bridge read failed: %w", err)
		}
		if m == 0 {
			return nil, fmt.Errorf("bridge read %d of %d bytes: %w", read, n, ErrShortTransfer)
		}
		read += m
	}
	return buf, nil
}

// Close closes the serial port.
func (b *Bridge) Close() error {
	if b.port != nil {
		return b.port.Close()
	}
	return nil
}

// ListPorts returns the available serial ports.
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, err
	}
	return ports, nil
}
