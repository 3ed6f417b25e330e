package flash

import "fmt"

// Geometry describes a flash part with uniform fixed-size pages inside
// uniform fixed-size sectors.
type Geometry struct {
	PageSize     int // smallest programmable unit
	SectorSize   int // smallest erasable unit, a multiple of PageSize
	MaxReadChunk int // largest single read transaction the bridge supports
}

// DefaultGeometry matches the flash part on the IceBoard.
var DefaultGeometry = Geometry{
	PageSize:     256,
	SectorSize:   4096,
	MaxReadChunk: 65536,
}

// Validate checks the geometry invariants.
func (g Geometry) Validate() error {
	if g.PageSize <= 0 {
		return fmt.Errorf("page size must be positive, got %d", g.PageSize)
	}
	if g.SectorSize <= 0 {
		return fmt.Errorf("sector size must be positive, got %d", g.SectorSize)
	}
	if g.SectorSize%g.PageSize != 0 {
		return fmt.Errorf("sector size %d is not a multiple of page size %d", g.SectorSize, g.PageSize)
	}
	if g.MaxReadChunk <= 0 {
		return fmt.Errorf("max read chunk must be positive, got %d", g.MaxReadChunk)
	}
	return nil
}

// PagesPerSector returns how many program operations fill one sector.
func (g Geometry) PagesPerSector() int {
	return g.SectorSize / g.PageSize
}

// SectorCount returns how many sectors an image of n bytes occupies,
// rounding up.
func (g Geometry) SectorCount(n int) int {
	if n <= 0 {
		return 0
	}
	return 1 + (n-1)/g.SectorSize
}

// PageAddress returns the byte address of a page.
func (g Geometry) PageAddress(page int) int {
	return page * g.PageSize
}

// SectorAddress returns the byte address of a sector.
func (g Geometry) SectorAddress(sector int) int {
	return sector * g.SectorSize
}
