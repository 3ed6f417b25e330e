// Package flasher implements the upload algorithm: walk the image sector by
// sector, program, read back, compare, and erase-and-retry on mismatch within
// a bounded attempt budget, followed by an independent whole-image audit.
package flasher

import (
	"errors"
	"fmt"

	"github.com/SyedAnasAlam/IceBoard-Programmer/internal/flash"
)

// MaxSectorProgramAttempts bounds how often a sector is reprogrammed before
// the upload is declared corrupted.
const MaxSectorProgramAttempts = 5

// CorruptedUploadError reports a sector whose contents could not be verified.
// It distinguishes a bad flash cell from a bad hardware link.
type CorruptedUploadError struct {
	Sector int
}

func (e *CorruptedUploadError) Error() string {
	return fmt.Sprintf("upload corrupted at sector %d", e.Sector)
}

// ProgressCallback is called to report upload or read progress.
type ProgressCallback func(current, total int)

// Flasher programs a raw image into the flash through a command layer device.
type Flasher struct {
	dev         *flash.Device
	maxAttempts int
	progress    ProgressCallback
}

// New creates a Flasher with the default retry budget.
func New(dev *flash.Device) *Flasher {
	return &Flasher{dev: dev, maxAttempts: MaxSectorProgramAttempts}
}

// Geometry returns the geometry of the underlying flash device.
func (f *Flasher) Geometry() flash.Geometry {
	return f.dev.Geometry()
}

// SetMaxAttempts overrides the per-sector retry budget.
func (f *Flasher) SetMaxAttempts(n int) {
	if n > 0 {
		f.maxAttempts = n
	}
}

// SetProgressCallback sets the progress callback function.
func (f *Flasher) SetProgressCallback(cb ProgressCallback) {
	f.progress = cb
}

func (f *Flasher) reportProgress(current, total int) {
	if f.progress != nil {
		f.progress(current, total)
	}
}

// ProgramSector programs one sector by decomposing it into page writes in
// ascending page order. A failed page aborts immediately; pages already
// written stay written, the caller's erase-and-retry policy covers that.
func (f *Flasher) ProgramSector(sector int, data []byte) error {
	geo := f.dev.Geometry()
	if len(data) > geo.SectorSize {
		return fmt.Errorf("sector payload is %d bytes, sector size is %d", len(data), geo.SectorSize)
	}
	if len(data) == 0 {
		return nil
	}

	pageCount := geo.PagesPerSector()
	if len(data) < geo.SectorSize {
		pageCount = 1 + (len(data)-1)/geo.PageSize
	}
	firstPage := sector * geo.PagesPerSector()

	for i := 0; i < pageCount; i++ {
		start := i * geo.PageSize
		end := start + geo.PageSize
		if i == pageCount-1 {
			end = len(data)
		}
		if err := f.dev.PageProgram(firstPage+i, data[start:end]); err != nil {
			return fmt.Errorf("failed to program page %d: %w", firstPage+i, err)
		}
	}
	return nil
}

// Upload programs the whole image, verifying every sector by reading it back.
// A mismatching sector is erased and reprogrammed up to the attempt budget;
// command and transport errors abort immediately since retrying a link fault
// cannot help.
func (f *Flasher) Upload(image []byte) error {
	if len(image) == 0 {
		return errors.New("empty image")
	}

	if err := f.dev.WakeUp(); err != nil {
		return fmt.Errorf("failed to wake up flash: %w", err)
	}

	geo := f.dev.Geometry()
	sectorCount := geo.SectorCount(len(image))

	for sector := 0; sector < sectorCount; sector++ {
		start := geo.SectorAddress(sector)
		end := start + geo.SectorSize
		if end > len(image) {
			end = len(image)
		}

		if err := f.programVerified(sector, image[start:end]); err != nil {
			return err
		}
		f.reportProgress(sector+1, sectorCount)
	}
	return nil
}

// programVerified runs the per-sector program/verify/erase-retry loop.
func (f *Flasher) programVerified(sector int, data []byte) error {
	for attempt := 0; attempt < f.maxAttempts; attempt++ {
		if err := f.ProgramSector(sector, data); err != nil {
			return err
		}

		readback, err := f.dev.ReadSector(sector)
		if err != nil {
			return fmt.Errorf("failed to read back sector %d: %w", sector, err)
		}
		if mismatches(readback, data) == 0 {
			return nil
		}

		// NOR programming can only clear bits, so a corrupted sector must
		// return to its erased state before reprogramming.
		if err := f.dev.EraseSector(sector); err != nil {
			return fmt.Errorf("failed to erase sector %d: %w", sector, err)
		}
	}
	return &CorruptedUploadError{Sector: sector}
}

// mismatches counts differing bytes over the actual payload length. Bytes
// past the image's end are never compared.
func mismatches(readback, data []byte) int {
	count := 0
	for i := range data {
		if readback[i] != data[i] {
			count++
		}
	}
	return count
}

// Validate reads the whole programmed region back and compares it against the
// image byte for byte. It is a pass/fail audit: no retry, no repair.
func (f *Flasher) Validate(image []byte) error {
	readback, err := f.ReadImage(len(image))
	if err != nil {
		return fmt.Errorf("failed to read back image: %w", err)
	}
	geo := f.dev.Geometry()
	for i := range image {
		if readback[i] != image[i] {
			return &CorruptedUploadError{Sector: i / geo.SectorSize}
		}
	}
	return nil
}

// ReadImage reads n bytes from the start of the flash in chunks of at most
// MaxReadChunk bytes, reporting progress per chunk.
func (f *Flasher) ReadImage(n int) ([]byte, error) {
	geo := f.dev.Geometry()
	buf := make([]byte, 0, n)

	chunks := 0
	if n > 0 {
		chunks = 1 + (n-1)/geo.MaxReadChunk
	}

	for i := 0; i < chunks; i++ {
		address := i * geo.MaxReadChunk
		chunk := geo.MaxReadChunk
		if address+chunk > n {
			chunk = n - address
		}
		data, err := f.dev.Read(address, chunk)
		if err != nil {
			return nil, err
		}
		buf = append(buf, data...)
		f.reportProgress(i+1, chunks)
	}
	return buf, nil
}

// EraseChip wakes the flash and erases it entirely.
func (f *Flasher) EraseChip() error {
	if err := f.dev.WakeUp(); err != nil {
		return fmt.Errorf("failed to wake up flash: %w", err)
	}
	return f.dev.ChipErase()
}
