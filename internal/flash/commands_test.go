package flash

import (
	"bytes"
	"testing"
)

func TestOpcodes_WireValues(t *testing.T) {
	tests := []struct {
		name   string
		opcode byte
		want   byte
	}{
		{"page program", CmdPageProgram, 0x02},
		{"read", CmdRead, 0x03},
		{"read status", CmdReadStatus, 0x05},
		{"write enable", CmdWriteEnable, 0x06},
		{"sector erase", CmdSectorErase, 0x20},
		{"wake up", CmdWakeUp, 0xAB},
		{"chip erase", CmdChipErase, 0xC7},
	}

	for _, tc := range tests {
		if tc.opcode != tc.want {
			t.Errorf("%s opcode = 0x%02X, want 0x%02X", tc.name, tc.opcode, tc.want)
		}
	}
}

func TestCommand_Framing(t *testing.T) {
	tests := []struct {
		opcode  byte
		address int
		want    []byte
	}{
		{CmdRead, 0, []byte{0x03, 0x00, 0x00, 0x00}},
		// Sector 3 at 4096-byte sectors is byte address 12288 (0x003000).
		{CmdSectorErase, 12288, []byte{0x20, 0x00, 0x30, 0x00}},
		{CmdPageProgram, 12288, []byte{0x02, 0x00, 0x30, 0x00}},
		{CmdPageProgram, 0xABCDEF, []byte{0x02, 0xAB, 0xCD, 0xEF}},
		{CmdRead, 0xFFFFFF, []byte{0x03, 0xFF, 0xFF, 0xFF}},
	}

	for _, tc := range tests {
		got := command(tc.opcode, tc.address)
		if !bytes.Equal(got, tc.want) {
			t.Errorf("command(0x%02X, %d) = %v, want %v", tc.opcode, tc.address, got, tc.want)
		}
	}
}
