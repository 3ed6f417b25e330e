package flash

import (
	"bytes"
	"errors"
	"testing"
)

// fakeTransport records every transfer and answers status and read commands.
// The accumulated command survives transfers sent with endTransaction=false,
// mirroring how chip select works on the real link.
type fakeTransport struct {
	writes [][]byte
	ends   []bool

	cmd       []byte
	busyPolls int
	mem       []byte
}

func (ft *fakeTransport) Transmit(p []byte, endTransaction bool) error {
	ft.writes = append(ft.writes, append([]byte(nil), p...))
	ft.ends = append(ft.ends, endTransaction)
	ft.cmd = append(ft.cmd, p...)
	if endTransaction {
		ft.cmd = nil
	}
	return nil
}

func (ft *fakeTransport) Receive(n int, endTransaction bool) ([]byte, error) {
	cmd := ft.cmd
	if endTransaction {
		ft.cmd = nil
	}
	if len(cmd) == 0 {
		return nil, errors.New("receive without a pending command")
	}

	switch cmd[0] {
	case CmdReadStatus:
		if ft.busyPolls > 0 {
			ft.busyPolls--
			return []byte{statusBusy}, nil
		}
		return []byte{0x00}, nil
	case CmdRead:
		addr := int(cmd[1])<<16 | int(cmd[2])<<8 | int(cmd[3])
		out := make([]byte, n)
		copy(out, ft.mem[addr:])
		return out, nil
	}
	return nil, errors.New("unexpected receive")
}

func (ft *fakeTransport) Close() error { return nil }

func (ft *fakeTransport) statusPolls() int {
	count := 0
	for _, w := range ft.writes {
		if len(w) == 1 && w[0] == CmdReadStatus {
			count++
		}
	}
	return count
}

func newTestDevice(t *testing.T, ft *fakeTransport) *Device {
	t.Helper()
	dev, err := NewDevice(ft, DefaultGeometry)
	if err != nil {
		t.Fatalf("NewDevice() error: %v", err)
	}
	return dev
}

func TestNewDevice_InvalidGeometry(t *testing.T) {
	_, err := NewDevice(&fakeTransport{}, Geometry{PageSize: 256, SectorSize: 1000, MaxReadChunk: 64})
	if err == nil {
		t.Fatal("NewDevice() with invalid geometry = nil, want error")
	}
}

func TestWaitUntilReady_Idle(t *testing.T) {
	ft := &fakeTransport{}
	dev := newTestDevice(t, ft)

	if err := dev.WaitUntilReady(); err != nil {
		t.Fatalf("WaitUntilReady() error: %v", err)
	}
	if got := ft.statusPolls(); got != 1 {
		t.Errorf("status polls = %d, want 1", got)
	}
}

func TestWaitUntilReady_ClearsAfterPolls(t *testing.T) {
	ft := &fakeTransport{busyPolls: 3}
	dev := newTestDevice(t, ft)

	if err := dev.WaitUntilReady(); err != nil {
		t.Fatalf("WaitUntilReady() error: %v", err)
	}
	if got := ft.statusPolls(); got != 4 {
		t.Errorf("status polls = %d, want 4", got)
	}
}

func TestWaitUntilReady_Timeout(t *testing.T) {
	ft := &fakeTransport{busyPolls: 1 << 30} // busy bit never clears
	dev := newTestDevice(t, ft)
	dev.pollBudget = 5

	err := dev.WaitUntilReady()
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("WaitUntilReady() error = %v, want ErrTimeout", err)
	}
	if got := ft.statusPolls(); got != 5 {
		t.Errorf("status polls = %d, want exactly the poll budget of 5", got)
	}
}

func TestPageProgram_PayloadTooLarge(t *testing.T) {
	dev := newTestDevice(t, &fakeTransport{})

	err := dev.PageProgram(0, make([]byte, DefaultGeometry.PageSize+1))
	if err == nil {
		t.Fatal("PageProgram() with oversized payload = nil, want error")
	}
}

func TestPageProgram_CommandSequence(t *testing.T) {
	ft := &fakeTransport{}
	dev := newTestDevice(t, ft)

	payload := bytes.Repeat([]byte{0x5A}, 256)
	if err := dev.PageProgram(48, payload); err != nil {
		t.Fatalf("PageProgram() error: %v", err)
	}

	// Write enable, then command+address with chip select held, then the
	// payload closing the transaction, then the readiness poll.
	if len(ft.writes) < 4 {
		t.Fatalf("got %d transfers, want at least 4", len(ft.writes))
	}
	if !bytes.Equal(ft.writes[0], []byte{CmdWriteEnable}) || !ft.ends[0] {
		t.Errorf("transfer 0 = %v (end=%v), want write enable ending its transaction", ft.writes[0], ft.ends[0])
	}
	// Page 48 at 256-byte pages is byte address 12288 (0x003000).
	if !bytes.Equal(ft.writes[1], []byte{CmdPageProgram, 0x00, 0x30, 0x00}) {
		t.Errorf("transfer 1 = %v, want page program at 0x003000", ft.writes[1])
	}
	if ft.ends[1] {
		t.Error("transfer 1 released chip select before the payload")
	}
	if !bytes.Equal(ft.writes[2], payload) || !ft.ends[2] {
		t.Errorf("transfer 2 should be the payload closing the transaction")
	}
	if got := ft.statusPolls(); got != 1 {
		t.Errorf("status polls after program = %d, want 1", got)
	}
}

func TestPageProgram_ShortPayload(t *testing.T) {
	ft := &fakeTransport{}
	dev := newTestDevice(t, ft)

	payload := []byte{0x01, 0x02, 0x03}
	if err := dev.PageProgram(0, payload); err != nil {
		t.Fatalf("PageProgram() error: %v", err)
	}
	if !bytes.Equal(ft.writes[2], payload) {
		t.Errorf("payload transfer = %v, want only the %d provided bytes", ft.writes[2], len(payload))
	}
}

func TestAddressRange_Bounds(t *testing.T) {
	ft := &fakeTransport{mem: make([]byte, 64)}
	dev := newTestDevice(t, ft)

	// Page 65536 at 256-byte pages starts at 1<<24, past the 24-bit space.
	if err := dev.PageProgram(1<<24/256, make([]byte, 256)); err == nil {
		t.Error("PageProgram() past the address space = nil, want error")
	}
	if err := dev.EraseSector(1 << 24 / 4096); err == nil {
		t.Error("EraseSector() past the address space = nil, want error")
	}
	if _, err := dev.Read(1<<24-1, 2); err == nil {
		t.Error("Read() crossing the end of the address space = nil, want error")
	}
	if len(ft.writes) != 0 {
		t.Errorf("out-of-range operations reached the transport: %d transfers", len(ft.writes))
	}

	// The last in-range page is still programmable.
	if err := dev.PageProgram(1<<24/256-1, make([]byte, 256)); err != nil {
		t.Errorf("PageProgram() of the last page error: %v", err)
	}
}

func TestEraseSector_Address(t *testing.T) {
	ft := &fakeTransport{}
	dev := newTestDevice(t, ft)

	if err := dev.EraseSector(3); err != nil {
		t.Fatalf("EraseSector() error: %v", err)
	}

	if !bytes.Equal(ft.writes[0], []byte{CmdWriteEnable}) {
		t.Errorf("transfer 0 = %v, want write enable", ft.writes[0])
	}
	if !bytes.Equal(ft.writes[1], []byte{CmdSectorErase, 0x00, 0x30, 0x00}) {
		t.Errorf("transfer 1 = %v, want sector erase at 0x003000", ft.writes[1])
	}
	if got := ft.statusPolls(); got != 1 {
		t.Errorf("status polls after erase = %d, want 1", got)
	}
}

func TestChipErase_Sequence(t *testing.T) {
	ft := &fakeTransport{}
	dev := newTestDevice(t, ft)

	if err := dev.ChipErase(); err != nil {
		t.Fatalf("ChipErase() error: %v", err)
	}
	if !bytes.Equal(ft.writes[0], []byte{CmdWriteEnable}) {
		t.Errorf("transfer 0 = %v, want write enable", ft.writes[0])
	}
	if !bytes.Equal(ft.writes[1], []byte{CmdChipErase}) {
		t.Errorf("transfer 1 = %v, want chip erase", ft.writes[1])
	}
}

func TestRead_Chunked(t *testing.T) {
	mem := make([]byte, 40)
	for i := range mem {
		mem[i] = byte(i)
	}
	ft := &fakeTransport{mem: mem}

	geo := Geometry{PageSize: 8, SectorSize: 16, MaxReadChunk: 16}
	dev, err := NewDevice(ft, geo)
	if err != nil {
		t.Fatalf("NewDevice() error: %v", err)
	}

	got, err := dev.Read(0, 40)
	if err != nil {
		t.Fatalf("Read() error: %v", err)
	}
	if !bytes.Equal(got, mem) {
		t.Errorf("Read() = %v, want %v", got, mem)
	}

	// 40 bytes at a 16-byte chunk limit is three read transactions at
	// advancing addresses.
	var reads [][]byte
	for _, w := range ft.writes {
		if len(w) == 4 && w[0] == CmdRead {
			reads = append(reads, w)
		}
	}
	if len(reads) != 3 {
		t.Fatalf("read commands = %d, want 3", len(reads))
	}
	wantAddrs := []int{0, 16, 32}
	for i, r := range reads {
		addr := int(r[1])<<16 | int(r[2])<<8 | int(r[3])
		if addr != wantAddrs[i] {
			t.Errorf("read %d address = %d, want %d", i, addr, wantAddrs[i])
		}
	}
}

func TestReadStatus_TransactionShape(t *testing.T) {
	ft := &fakeTransport{}
	dev := newTestDevice(t, ft)

	status, err := dev.ReadStatus()
	if err != nil {
		t.Fatalf("ReadStatus() error: %v", err)
	}
	if status != 0 {
		t.Errorf("ReadStatus() = 0x%02X, want 0x00", status)
	}
	if !bytes.Equal(ft.writes[0], []byte{CmdReadStatus}) || ft.ends[0] {
		t.Errorf("status command must hold chip select for the reply")
	}
}
