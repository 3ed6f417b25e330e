package transport

import (
	"fmt"

	"github.com/google/gousb"
)

// FT4222H USB identifiers.
const (
	ft4222Vendor  gousb.ID = 0x0403
	ft4222Product gousb.ID = 0x601C
)

// Vendor requests understood by the FT4222 configuration endpoint.
const (
	ft4222ReqReset      = 0x00
	ft4222ReqSetMode    = 0x21
	ft4222ReqSPIConfig  = 0x22
	ft4222ReqSPIRelease = 0x23
)

// SPI master configuration values. The flash expects the clock to idle high
// with data captured on the trailing edge, single-line SPI, slave select 0.
const (
	ft4222SPISingle     = 0x01
	ft4222ClockDiv2     = 0x01
	ft4222ClockIdleHigh = 0x01
	ft4222ClockTrailing = 0x01
	ft4222SlaveSelect0  = 0x01
)

// FT4222 is the on-board USB-to-SPI bridge.
type FT4222 struct {
	ctx  *gousb.Context
	dev  *gousb.Device
	done func()
	out  *gousb.OutEndpoint
	in   *gousb.InEndpoint
}

// OpenFT4222 finds the first FT4222 bridge on the USB bus, opens it and
// configures its SPI engine as a single-line master clocking at half the
// system clock, idle-high, trailing-edge capture.
func OpenFT4222() (*FT4222, error) {
	ctx := gousb.NewContext()

	dev, err := ctx.OpenDeviceWithVIDPID(ft4222Vendor, ft4222Product)
	if err != nil {
		ctx.Close()
		return nil, fmt.Errorf("failed to open FT4222: %w", err)
	}
	if dev == nil {
		ctx.Close()
		return nil, fmt.Errorf("no FT4222 on the USB bus: %w", ErrDeviceNotFound)
	}

	if err := dev.SetAutoDetach(true); err != nil {
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("failed to detach kernel driver: %w", err)
	}

	intf, done, err := dev.DefaultInterface()
	if err != nil {
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("failed to claim FT4222 interface: %w", err)
	}

	var inNum, outNum int
	for _, ep := range intf.Setting.Endpoints {
		if ep.TransferType != gousb.TransferTypeBulk {
			continue
		}
		if ep.Direction == gousb.EndpointDirectionIn {
			inNum = ep.Number
		} else {
			outNum = ep.Number
		}
	}
	if inNum == 0 || outNum == 0 {
		done()
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("FT4222 interface has no bulk endpoint pair")
	}

	in, err := intf.InEndpoint(inNum)
	if err != nil {
		done()
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("failed to open IN endpoint: %w", err)
	}
	out, err := intf.OutEndpoint(outNum)
	if err != nil {
		done()
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("failed to open OUT endpoint: %w", err)
	}

	t := &FT4222{ctx: ctx, dev: dev, done: done, out: out, in: in}
	if err := t.initSPIMaster(); err != nil {
		t.Close()
		return nil, fmt.Errorf("failed to configure SPI master: %w", err)
	}

	return t, nil
}

// initSPIMaster resets the bridge and programs the SPI engine registers.
func (t *FT4222) initSPIMaster() error {
	if err := t.vendorRequest(ft4222ReqReset, 0); err != nil {
		return err
	}
	if err := t.vendorRequest(ft4222ReqSetMode, ft4222SPISingle); err != nil {
		return err
	}

	cfg := uint16(ft4222ClockDiv2)<<8 |
		uint16(ft4222ClockIdleHigh)<<2 |
		uint16(ft4222ClockTrailing)<<1 |
		uint16(ft4222SlaveSelect0)
	return t.vendorRequest(ft4222ReqSPIConfig, cfg)
}

func (t *FT4222) vendorRequest(request uint8, value uint16) error {
	_, err := t.dev.Control(
		gousb.ControlOut|gousb.ControlVendor|gousb.ControlDevice,
		request, value, 0, nil,
	)
	if err != nil {
		return fmt.Errorf("vendor request 0x%02X failed: %w", request, err)
	}
	return nil
}

// Transmit sends all of p over the SPI bus.
func (t *FT4222) Transmit(p []byte, endTransaction bool) error {
	n, err := t.out.Write(p)
	if err != nil {
		return fmt.Errorf("SPI write failed: %w", err)
	}
	if n != len(p) {
		return fmt.Errorf("SPI write moved %d of %d bytes: %w", n, len(p), ErrShortTransfer)
	}
	return t.endTransaction(endTransaction)
}

// Receive reads exactly n bytes from the SPI bus.
func (t *FT4222) Receive(n int, endTransaction bool) ([]byte, error) {
	buf := make([]byte, n)
	read := 0
	for read < n {
		m, err := t.in.Read(buf[read:])
		if err != nil {
			return nil, fmt.Errorf("SPI read failed: %w", err)
		}
		if m == 0 {
			return nil, fmt.Errorf("SPI read moved %d of %d bytes: %w", read, n, ErrShortTransfer)
		}
		read += m
	}
	if err := t.endTransaction(endTransaction); err != nil {
		return nil, err
	}
	return buf, nil
}

// endTransaction releases chip select when the logical flash command is done.
func (t *FT4222) endTransaction(end bool) error {
	if !end {
		return nil
	}
	return t.vendorRequest(ft4222ReqSPIRelease, ft4222SlaveSelect0)
}

// Close releases the interface and the USB device.
func (t *FT4222) Close() error {
	if t.done != nil {
		t.done()
	}
	if t.dev != nil {
		t.dev.Close()
	}
	return t.ctx.Close()
}
