package daqhat

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/bits"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.viam.com/test"

	"github.com/viam-labs/daqhat/eeprom"
	"github.com/viam-labs/daqhat/transport"
)

// simBench is a set of simulated boards behind one bus and one set of
// address lines, mirroring a physical stack.
type simBench struct {
	mu       sync.Mutex
	selected int
	boards   map[int]*simBoard
}

func newSimBench() *simBench {
	return &simBench{selected: -1, boards: map[int]*simBoard{}}
}

func (b *simBench) addBoard(address int, board *simBoard) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.boards[address] = board
}

// Select implements transport.AddressSelector.
func (b *simBench) Select(address int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.selected = address
	return nil
}

// opener hands out per-device connections the way the periph opener hands
// out spidev handles.
func (b *simBench) opener() BusOpener {
	return func(*Profile) (transport.Bus, error) {
		return &simConn{bench: b}, nil
	}
}

type simConn struct {
	bench  *simBench
	closed atomic.Bool
}

// Tx implements transport.Bus against whichever board the address lines
// currently select.
func (c *simConn) Tx(ctx context.Context, tx, rx []byte) error {
	if c.closed.Load() {
		return errors.New("connection closed")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.bench.mu.Lock()
	board := c.bench.boards[c.bench.selected]
	c.bench.mu.Unlock()
	if board == nil {
		// Nothing at this address: the bus reads back all zeros.
		for i := range rx {
			rx[i] = 0
		}
		return nil
	}
	board.exchange(tx, rx)
	return nil
}

func (c *simConn) Close() error {
	c.closed.Store(true)
	return nil
}

// simBoard emulates one board's command processor at the wire level. Sample
// production is tied to scan status polls rather than wall time, so scans
// progress deterministically: each poll moves producePerPoll codes of an
// incrementing ramp into the FIFO.
type simBoard struct {
	mu      sync.Mutex
	profile *Profile

	productID  uint16
	firmware   uint16
	bootloader uint16

	identifyFailures int // identify commands to reject with a busy status
	notReadyPolls    int // zero ready polls preceding each reply
	singleCode       uint16

	scanning          bool
	triggerArmed      bool
	triggerDelayPolls int // status polls before an armed trigger fires
	triggered         bool
	hwOverrun         bool
	continuous        bool
	remaining         int // codes left to produce for a finite scan
	producePerPoll    int
	nextCode          uint16
	fifo              []uint16

	blinks   []uint8
	triggers []TriggerMode
	ranges   []int
	starts   int
	stops    int

	pending           []byte
	notReadyRemaining int
}

func newSimBoard(p *Profile) *simBoard {
	return &simBoard{
		profile:        p,
		productID:      p.ProductID,
		firmware:       p.MinFirmware,
		bootloader:     0x0102,
		producePerPoll: 64,
	}
}

// exchange serves one full-duplex transfer: request frames queue a reply,
// everything else shifts reply bytes out.
func (b *simBoard) exchange(tx, rx []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range rx {
		rx[i] = 0
	}
	if cmd, payload, err := transport.ParseRequest(tx); err == nil {
		status, reply := b.handle(cmd, payload)
		b.pending = transport.AppendReply(b.pending[:0], cmd, status, reply)
		b.notReadyRemaining = b.notReadyPolls
		return
	}
	if b.notReadyRemaining > 0 {
		b.notReadyRemaining--
		return
	}
	n := copy(rx, b.pending)
	b.pending = b.pending[n:]
}

func (b *simBoard) handle(cmd byte, payload []byte) (byte, []byte) {
	c := b.profile.Commands
	switch cmd {
	case c.Identify:
		if b.identifyFailures > 0 {
			b.identifyFailures--
			return transport.StatusBusy, nil
		}
		reply := make([]byte, 0, 6)
		reply = binary.LittleEndian.AppendUint16(reply, b.productID)
		reply = binary.LittleEndian.AppendUint16(reply, b.firmware)
		reply = binary.LittleEndian.AppendUint16(reply, b.bootloader)
		return transport.StatusSuccess, reply
	case c.BlinkLED:
		if len(payload) != 1 {
			return transport.StatusBadParameter, nil
		}
		b.blinks = append(b.blinks, payload[0])
		return transport.StatusSuccess, nil
	case c.TriggerConfig:
		if len(payload) != 1 || payload[0] > byte(TriggerActiveLow) {
			return transport.StatusBadParameter, nil
		}
		b.triggers = append(b.triggers, TriggerMode(payload[0]))
		return transport.StatusSuccess, nil
	case c.RangeConfig:
		if len(payload) != 1 || int(payload[0]) >= len(b.profile.Ranges) {
			return transport.StatusBadParameter, nil
		}
		b.ranges = append(b.ranges, int(payload[0]))
		return transport.StatusSuccess, nil
	case c.AInRead:
		if len(payload) != 1 || int(payload[0]) >= b.profile.Channels {
			return transport.StatusBadParameter, nil
		}
		return transport.StatusSuccess, binary.LittleEndian.AppendUint16(nil, b.singleCode)
	case c.ScanStart:
		return b.handleScanStart(payload)
	case c.ScanStatus:
		return b.handleScanStatus()
	case c.ScanData:
		return b.handleScanData(payload)
	case c.ScanStop:
		b.stops++
		b.scanning = false
		b.triggerArmed = false
		return transport.StatusSuccess, nil
	default:
		return transport.StatusBadParameter, nil
	}
}

func (b *simBoard) handleScanStart(payload []byte) (byte, []byte) {
	if len(payload) != 10 {
		return transport.StatusBadParameter, nil
	}
	if b.scanning || b.triggerArmed {
		return transport.StatusBusy, nil
	}
	mask := payload[0]
	opts := Options(payload[1])
	count := int(binary.LittleEndian.Uint32(payload[2:6]))
	b.starts++
	b.continuous = opts&OptContinuous != 0
	b.remaining = count * bits.OnesCount8(mask)
	b.fifo = b.fifo[:0]
	b.nextCode = 0
	b.hwOverrun = false
	b.scanning = true
	if opts&OptExtTrigger != 0 && b.triggerDelayPolls > 0 {
		b.triggerArmed = true
		b.triggered = false
	} else {
		b.triggered = true
	}
	return transport.StatusSuccess, nil
}

func (b *simBoard) handleScanStatus() (byte, []byte) {
	if b.triggerArmed {
		b.triggerDelayPolls--
		if b.triggerDelayPolls <= 0 {
			b.triggerArmed = false
			b.triggered = true
		}
	} else if b.scanning {
		b.produce()
	}
	var flags byte
	if b.scanning {
		flags |= devStatusRunning
	}
	if b.triggered {
		flags |= devStatusTriggered
	}
	if b.hwOverrun {
		flags |= devStatusHWOverrun
	}
	burst := len(b.fifo)
	if burst > b.profile.BurstLimit {
		burst = b.profile.BurstLimit
	}
	reply := make([]byte, 0, deviceStatusLen)
	reply = append(reply, flags)
	reply = binary.LittleEndian.AppendUint32(reply, uint32(len(b.fifo)))
	reply = binary.LittleEndian.AppendUint32(reply, uint32(burst))
	return transport.StatusSuccess, reply
}

func (b *simBoard) produce() {
	n := b.producePerPoll
	if !b.continuous && n > b.remaining {
		n = b.remaining
	}
	for i := 0; i < n; i++ {
		b.fifo = append(b.fifo, b.nextCode)
		b.nextCode++
	}
	if !b.continuous {
		b.remaining -= n
		if b.remaining == 0 {
			b.scanning = false
		}
	}
	if len(b.fifo) > b.profile.FIFODepth {
		b.hwOverrun = true
		b.scanning = false
	}
}

func (b *simBoard) handleScanData(payload []byte) (byte, []byte) {
	if len(payload) != 4 {
		return transport.StatusBadParameter, nil
	}
	count := int(binary.LittleEndian.Uint32(payload))
	if count > len(b.fifo) {
		return transport.StatusBadParameter, nil
	}
	reply := make([]byte, 0, count*2)
	for _, code := range b.fifo[:count] {
		reply = binary.LittleEndian.AppendUint16(reply, code)
	}
	b.fifo = b.fifo[count:]
	return transport.StatusSuccess, reply
}

func (b *simBoard) snapshotBlinks() []uint8 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]uint8(nil), b.blinks...)
}

func (b *simBoard) snapshotTriggers() []TriggerMode {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]TriggerMode(nil), b.triggers...)
}

func (b *simBoard) snapshotRanges() []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]int(nil), b.ranges...)
}

func (b *simBoard) counts() (starts, stops int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.starts, b.stops
}

func (b *simBoard) setSingleCode(code uint16) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.singleCode = code
}

// newSimRegistry builds a registry over a bench with per-test lock and
// record directories.
func newSimRegistry(t *testing.T, bench *simBench) *Registry {
	t.Helper()
	return newSimRegistryWithRecords(t, bench, t.TempDir())
}

func newSimRegistryWithRecords(t *testing.T, bench *simBench, recordDir string) *Registry {
	t.Helper()
	cfg := Config{LockDir: t.TempDir(), EEPROMDir: recordDir}
	reg, err := NewRegistryForBus(cfg, bench.opener(), bench, golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	t.Cleanup(func() {
		test.That(t, reg.Close(context.Background()), test.ShouldBeNil)
	})
	return reg
}

// openSimDevice wires a single board at the given address and opens it.
func openSimDevice(t *testing.T, p *Profile, address int) (*Device, *simBoard) {
	t.Helper()
	bench := newSimBench()
	board := newSimBoard(p)
	bench.addBoard(address, board)
	reg := newSimRegistry(t, bench)
	dev, err := reg.Open(context.Background(), address, p)
	test.That(t, err, test.ShouldBeNil)
	return dev, board
}

// testRecordBlob builds an identification record for a profile.
func testRecordBlob(t *testing.T, p *Profile, serial string, slopes, offsets []float64) []byte {
	t.Helper()
	payload := factoryPayload{Serial: serial}
	payload.Calibration.Date = "2025-06-01"
	payload.Calibration.Slopes = slopes
	payload.Calibration.Offsets = offsets
	custom, err := json.Marshal(payload)
	test.That(t, err, test.ShouldBeNil)
	rec := &eeprom.Record{
		FormatVersion: 1,
		Vendor: eeprom.VendorInfo{
			UUID:           [16]byte{0x9d, 0x3f, 0x1a, 4: 0x55},
			ProductID:      p.ProductID,
			ProductVersion: 0x0003,
			Vendor:         "Measurement Computing",
			Product:        p.Name,
		},
		Custom: custom,
	}
	blob, err := rec.MarshalBinary()
	test.That(t, err, test.ShouldBeNil)
	return blob
}

type factoryPayload struct {
	Serial      string `json:"serial"`
	Calibration struct {
		Date    string    `json:"date"`
		Slopes  []float64 `json:"slopes"`
		Offsets []float64 `json:"offsets"`
	} `json:"calibration"`
}

func writeRecordFile(t *testing.T, dir string, address int, blob []byte) {
	t.Helper()
	path := filepath.Join(dir, fmt.Sprintf("eeprom-%d.bin", address))
	test.That(t, os.WriteFile(path, blob, 0o600), test.ShouldBeNil)
}
