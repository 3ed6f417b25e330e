package flash

import (
	"errors"
	"fmt"
	"time"

	"github.com/SyedAnasAlam/IceBoard-Programmer/internal/transport"
)

// ErrTimeout is returned when the flash keeps its busy bit set past the
// readiness poll budget. The chip is presumed wedged.
var ErrTimeout = errors.New("flash busy timeout")

// defaultPollBudget bounds the readiness wait: one status poll per
// millisecond, so this is also the wait budget in milliseconds.
const defaultPollBudget = 500

const pollInterval = time.Millisecond

// maxAddress is the end of the 24-bit address space a framed command can
// reach. Anything past it would wrap silently into the address field.
const maxAddress = 1 << 24

func checkAddressRange(address, n int) error {
	if address < 0 || n < 0 || address+n > maxAddress {
		return fmt.Errorf("range [%d, %d) exceeds the 24-bit address space", address, address+n)
	}
	return nil
}

// Device issues single flash commands over a transport. Erase and program
// operations re-arm the write-enable latch and wait for the busy bit to
// clear before returning; the chip ignores commands while busy.
type Device struct {
	tr  transport.Transport
	geo Geometry

	pollBudget int
}

// NewDevice wraps a transport with the flash command layer.
func NewDevice(tr transport.Transport, geo Geometry) (*Device, error) {
	if err := geo.Validate(); err != nil {
		return nil, fmt.Errorf("invalid flash geometry: %w", err)
	}
	return &Device{
		tr:         tr,
		geo:        geo,
		pollBudget: defaultPollBudget,
	}, nil
}

// Geometry returns the configured flash geometry.
func (d *Device) Geometry() Geometry {
	return d.geo
}

// WakeUp releases the flash from deep power-down.
func (d *Device) WakeUp() error {
	return d.tr.Transmit([]byte{CmdWakeUp}, true)
}

// WriteEnable arms the write-enable latch. The latch clears itself after
// every erase or program, so this must precede each destructive command.
func (d *Device) WriteEnable() error {
	return d.tr.Transmit([]byte{CmdWriteEnable}, true)
}

// ReadStatus reads one status register byte.
func (d *Device) ReadStatus() (byte, error) {
	if err := d.tr.Transmit([]byte{CmdReadStatus}, false); err != nil {
		return 0, err
	}
	status, err := d.tr.Receive(1, true)
	if err != nil {
		return 0, err
	}
	return status[0], nil
}

// WaitUntilReady polls the status register until the busy bit clears,
// sleeping between polls so the link is not saturated. It fails with
// ErrTimeout once the poll budget is spent.
func (d *Device) WaitUntilReady() error {
	for i := 0; i < d.pollBudget; i++ {
		status, err := d.ReadStatus()
		if err != nil {
			return err
		}
		if status&statusBusy == 0 {
			return nil
		}
		time.Sleep(pollInterval)
	}
	return fmt.Errorf("flash still busy after %d polls: %w", d.pollBudget, ErrTimeout)
}

// ChipErase erases the entire flash to all-ones.
func (d *Device) ChipErase() error {
	if err := d.WriteEnable(); err != nil {
		return err
	}
	if err := d.tr.Transmit([]byte{CmdChipErase}, true); err != nil {
		return err
	}
	return d.WaitUntilReady()
}

// EraseSector erases one sector to all-ones.
func (d *Device) EraseSector(sector int) error {
	address := d.geo.SectorAddress(sector)
	if err := checkAddressRange(address, d.geo.SectorSize); err != nil {
		return err
	}
	if err := d.WriteEnable(); err != nil {
		return err
	}
	cmd := command(CmdSectorErase, address)
	if err := d.tr.Transmit(cmd, true); err != nil {
		return err
	}
	return d.WaitUntilReady()
}

// PageProgram programs up to one page of data at the given page index. A
// payload shorter than the page size programs only that many bytes.
func (d *Device) PageProgram(page int, data []byte) error {
	if len(data) > d.geo.PageSize {
		return fmt.Errorf("page payload is %d bytes, page size is %d", len(data), d.geo.PageSize)
	}
	address := d.geo.PageAddress(page)
	if err := checkAddressRange(address, len(data)); err != nil {
		return err
	}
	if err := d.WriteEnable(); err != nil {
		return err
	}
	cmd := command(CmdPageProgram, address)
	if err := d.tr.Transmit(cmd, false); err != nil {
		return err
	}
	if err := d.tr.Transmit(data, true); err != nil {
		return err
	}
	return d.WaitUntilReady()
}

// Read reads n bytes starting at the given byte address, splitting the
// request into transactions of at most MaxReadChunk bytes.
func (d *Device) Read(address, n int) ([]byte, error) {
	if err := checkAddressRange(address, n); err != nil {
		return nil, err
	}
	buf := make([]byte, 0, n)
	for n > 0 {
		chunk := n
		if chunk > d.geo.MaxReadChunk {
			chunk = d.geo.MaxReadChunk
		}
		if err := d.tr.Transmit(command(CmdRead, address), false); err != nil {
			return nil, err
		}
		data, err := d.tr.Receive(chunk, true)
		if err != nil {
			return nil, err
		}
		buf = append(buf, data...)
		address += chunk
		n -= chunk
	}
	return buf, nil
}

// ReadSector reads back one full sector.
func (d *Device) ReadSector(sector int) ([]byte, error) {
	return d.Read(d.geo.SectorAddress(sector), d.geo.SectorSize)
}
