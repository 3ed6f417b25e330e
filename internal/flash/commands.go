// Package flash implements the SPI NOR flash command layer: one operation per
// chip command, 24-bit big-endian addressing, and the busy-bit readiness poll
// that must follow every erase or program.
package flash

// SPI NOR command set of the IceBoard flash part.
const (
	CmdPageProgram = 0x02
	CmdRead        = 0x03
	CmdReadStatus  = 0x05
	CmdWriteEnable = 0x06
	CmdSectorErase = 0x20
	CmdWakeUp      = 0xAB // release from deep power-down
	CmdChipErase   = 0xC7
)

// Status register bits. Bit 0 is the only bit the programmer interprets.
const statusBusy = 0x01

// command frames an opcode with a 24-bit big-endian address.
func command(opcode byte, address int) []byte {
	return []byte{
		opcode,
		byte(address >> 16),
		byte(address >> 8),
		byte(address),
	}
}
