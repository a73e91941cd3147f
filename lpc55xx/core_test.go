package lpc55xx

import (
	"bytes"
	"context"
	"encoding/binary"
	"reflect"
	"testing"
	"time"

	"github.com/juju/errors"

	"github.com/mongoose-os/swdbg/probe/cortex"
	"github.com/mongoose-os/swdbg/target"
)

type memWrite struct {
	addr  uint32
	value uint32
}

type readResult struct {
	value uint32
	err   error
}

// fakeMem is a word-addressed memory device. Reads come from scripted
// per-address queues first, then sticky overrides, then plain storage that
// writes fall through to.
type fakeMem struct {
	mem     map[uint32]uint32
	readSeq map[uint32][]readResult
	sticky  map[uint32]uint32
	writes  []memWrite
}

func newFakeMem() *fakeMem {
	return &fakeMem{
		mem:     make(map[uint32]uint32),
		readSeq: make(map[uint32][]readResult),
		sticky:  make(map[uint32]uint32),
	}
}

func (m *fakeMem) script(addr uint32, rr ...readResult) {
	m.readSeq[addr] = append(m.readSeq[addr], rr...)
}

func (m *fakeMem) ReadTargetReg(ctx context.Context, addr uint32) (uint32, error) {
	if q := m.readSeq[addr]; len(q) > 0 {
		m.readSeq[addr] = q[1:]
		return q[0].value, q[0].err
	}
	if v, ok := m.sticky[addr]; ok {
		return v, nil
	}
	return m.mem[addr], nil
}

func (m *fakeMem) ReadTargetMem(ctx context.Context, addr uint32, length int) ([]uint32, error) {
	res := make([]uint32, length)
	for i := range res {
		v, err := m.ReadTargetReg(ctx, addr+uint32(i)*4)
		if err != nil {
			return nil, err
		}
		res[i] = v
	}
	return res, nil
}

func (m *fakeMem) ReadTargetMemBytes(ctx context.Context, addr uint32, length int) ([]byte, error) {
	start := addr &^ 3
	nw := (int(addr-start) + length + 3) / 4
	words, err := m.ReadTargetMem(ctx, start, nw)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, nw*4)
	for i, w := range words {
		binary.LittleEndian.PutUint32(buf[i*4:], w)
	}
	off := int(addr - start)
	return buf[off : off+length], nil
}

func (m *fakeMem) WriteTargetReg(ctx context.Context, addr uint32, value uint32) error {
	m.writes = append(m.writes, memWrite{addr, value})
	m.mem[addr] = value
	return nil
}

func (m *fakeMem) WriteTargetMem(ctx context.Context, addr uint32, data []uint32) error {
	for i, v := range data {
		if err := m.WriteTargetReg(ctx, addr+uint32(i)*4, v); err != nil {
			return err
		}
	}
	return nil
}

// lastWrite returns the most recent write to addr.
func (m *fakeMem) lastWrite(addr uint32) (uint32, bool) {
	for i := len(m.writes) - 1; i >= 0; i-- {
		if m.writes[i].addr == addr {
			return m.writes[i].value, true
		}
	}
	return 0, false
}

func mustWrite(t *testing.T, m *fakeMem, addr, want uint32) {
	t.Helper()
	got, ok := m.lastWrite(addr)
	if !ok {
		t.Errorf("no write to 0x%08x, want 0x%08x", addr, want)
		return
	}
	if got != want {
		t.Errorf("write to 0x%08x: got 0x%08x, want 0x%08x", addr, got, want)
	}
}

func mustNotWrite(t *testing.T, m *fakeMem, addr uint32) {
	t.Helper()
	if v, ok := m.lastWrite(addr); ok {
		t.Errorf("unexpected write 0x%08x to 0x%08x", v, addr)
	}
}

func testMemoryMap(t *testing.T) *target.MemoryMap {
	t.Helper()
	mmap, err := LPC5516MemoryMap()
	if err != nil {
		t.Fatalf("LPC5516MemoryMap: %s", err)
	}
	return mmap
}

func newTestCore(t *testing.T, m *fakeMem, cfg CoreConfig) *Core {
	t.Helper()
	cfg.Mem = m
	if cfg.MemoryMap == nil {
		cfg.MemoryMap = testMemoryMap(t)
	}
	cfg.ProbeTimeout = 50 * time.Millisecond
	cfg.ProbePollInterval = time.Millisecond
	cfg.ResetTimeout = 50 * time.Millisecond
	return NewCore(cfg)
}

func TestReadMemErasedFlash(t *testing.T) {
	ctx := context.Background()
	m := newFakeMem()
	// Margin check completes with FAIL set: the range is erased.
	m.mem[peripheralBaseNS+flashIntStatus] = flashIntStatusDone | 0x1
	c := newTestCore(t, m, CoreConfig{})

	data, err := c.ReadMem(ctx, 0x0, 0x200)
	if err != nil {
		t.Fatalf("ReadMem: %s", err)
	}
	if !bytes.Equal(data, bytes.Repeat([]byte{0xff}, 0x200)) {
		t.Errorf("erased flash read must be all 0xFF, got % x...", data[:8])
	}
	// DSCSR reads zero, so the probe must use the non-secure alias and
	// window addresses in 16-byte words.
	mustWrite(t, m, peripheralBaseNS+flashStartA, 0x0)
	mustWrite(t, m, peripheralBaseNS+flashStopA, 0x1FF>>4)
	mustWrite(t, m, peripheralBaseNS+flashIntClrStatus, 0xF)
	mustWrite(t, m, peripheralBaseNS+flashCmd, flashCmdMarginCheck)
	mustNotWrite(t, m, peripheralBaseS+flashCmd)
}

func TestReadMemSecureAlias(t *testing.T) {
	ctx := context.Background()
	m := newFakeMem()
	m.mem[cortex.RegDSCSR] = cortex.DSCSRCDS
	m.mem[peripheralBaseS+flashIntStatus] = flashIntStatusDone | 0x8 // ECC_ERR
	c := newTestCore(t, m, CoreConfig{})

	data, err := c.ReadMem(ctx, 0x1000, 16)
	if err != nil {
		t.Fatalf("ReadMem: %s", err)
	}
	if !bytes.Equal(data, bytes.Repeat([]byte{0xff}, 16)) {
		t.Errorf("got % x, want all 0xFF", data)
	}
	mustWrite(t, m, peripheralBaseS+flashCmd, flashCmdMarginCheck)
	mustNotWrite(t, m, peripheralBaseNS+flashCmd)
}

type byteFilter struct {
	at uint32
	b  byte
}

func (f *byteFilter) FilterMemory(addr uint32, data []byte) []byte {
	if f.at >= addr && f.at < addr+uint32(len(data)) {
		data[f.at-addr] = f.b
	}
	return data
}

func TestReadMemRawWithFilter(t *testing.T) {
	ctx := context.Background()
	m := newFakeMem()
	// Margin check clean: flash contents are readable.
	m.mem[peripheralBaseNS+flashIntStatus] = flashIntStatusDone
	m.mem[0x100] = 0x03020100
	m.mem[0x104] = 0x07060504
	c := newTestCore(t, m, CoreConfig{BreakpointFilter: &byteFilter{at: 0x102, b: 0xBE}})

	data, err := c.ReadMem(ctx, 0x100, 8)
	if err != nil {
		t.Fatalf("ReadMem: %s", err)
	}
	want := []byte{0x00, 0x01, 0xBE, 0x03, 0x04, 0x05, 0x06, 0x07}
	if !bytes.Equal(data, want) {
		t.Errorf("got % x, want % x", data, want)
	}
}

func TestReadMemNonFlash(t *testing.T) {
	ctx := context.Background()
	m := newFakeMem()
	m.mem[0x20000000] = 0xDEADBEEF
	c := newTestCore(t, m, CoreConfig{})

	v, err := c.ReadMem32(ctx, 0x20000000)
	if err != nil {
		t.Fatalf("ReadMem32: %s", err)
	}
	if v != 0xDEADBEEF {
		t.Errorf("got 0x%08x", v)
	}
	// RAM reads must not touch the flash controller.
	mustNotWrite(t, m, peripheralBaseNS+flashCmd)
	mustNotWrite(t, m, peripheralBaseS+flashCmd)
}

func TestReadMemProbeTimeout(t *testing.T) {
	ctx := context.Background()
	m := newFakeMem()
	// Done bit never sets.
	m.sticky[peripheralBaseNS+flashIntStatus] = 0
	c := newTestCore(t, m, CoreConfig{})

	_, err := c.ReadMem(ctx, 0x0, 4)
	if !errors.IsTimeout(err) {
		t.Fatalf("want timeout error, got %v", err)
	}
}

func TestSetResetCatchBreakpoint(t *testing.T) {
	ctx := context.Background()
	m := newFakeMem()
	m.mem[peripheralBaseNS+flashIntStatus] = flashIntStatusDone
	m.mem[resetVectorAddr] = 0x00001000
	m.mem[cortex.RegDEMCR] = 0x01000000 | cortex.DEMCRVCCoreReset
	c := newTestCore(t, m, CoreConfig{})

	if err := c.SetResetCatch(ctx); err != nil {
		t.Fatalf("SetResetCatch: %s", err)
	}
	if c.CatchMode() != CatchBreakpoint {
		t.Errorf("catch mode: got %s, want breakpoint", c.CatchMode())
	}
	if c.FlashErased() {
		t.Errorf("flash must be seen as programmed")
	}
	// Vector catch cleared, comparator on the reset handler (Thumb bit set).
	mustWrite(t, m, cortex.RegDEMCR, 0x01000000)
	mustWrite(t, m, cortex.RegFPBComp0, 0x00001001)
	mustWrite(t, m, cortex.RegFPBCtrl, cortex.FPBCtrlEnableKey)
	mustNotWrite(t, m, cortex.RegDWTComp0)

	if err := c.ClearResetCatch(ctx); err != nil {
		t.Fatalf("ClearResetCatch: %s", err)
	}
	if c.CatchMode() != CatchNone {
		t.Errorf("catch mode after clear: got %s", c.CatchMode())
	}
	mustWrite(t, m, cortex.RegFPBComp0, 0)
	mustWrite(t, m, cortex.RegDEMCR, 0x01000000|cortex.DEMCRVCCoreReset)
}

func TestSetResetCatchWatchpoint(t *testing.T) {
	ctx := context.Background()
	m := newFakeMem()
	m.mem[peripheralBaseNS+flashIntStatus] = flashIntStatusDone | 0x2 // ERR
	m.mem[cortex.RegDEMCR] = cortex.DEMCRVCCoreReset
	c := newTestCore(t, m, CoreConfig{})

	if err := c.SetResetCatch(ctx); err != nil {
		t.Fatalf("SetResetCatch: %s", err)
	}
	if c.CatchMode() != CatchWatchpoint {
		t.Errorf("catch mode: got %s, want watchpoint", c.CatchMode())
	}
	if !c.FlashErased() {
		t.Errorf("flash must be seen as erased")
	}
	mustWrite(t, m, cortex.RegDWTComp0, bootROMMagicAddr)
	// Address match R/W, debug action, 4-byte data size.
	mustWrite(t, m, cortex.RegDWTFunction0, 0x4|(0x1<<4)|(0x2<<10))
	mustNotWrite(t, m, cortex.RegFPBComp0)

	if err := c.ClearResetCatch(ctx); err != nil {
		t.Fatalf("ClearResetCatch: %s", err)
	}
	mustWrite(t, m, cortex.RegDWTComp0, 0)
	mustWrite(t, m, cortex.RegDWTFunction0, 0)
	mustWrite(t, m, cortex.RegDEMCR, cortex.DEMCRVCCoreReset)
}

type fakeDelegate struct {
	handled map[string]bool
	calls   []string
}

func (d *fakeDelegate) call(name string) (bool, error) {
	d.calls = append(d.calls, name)
	return d.handled[name], nil
}

func (d *fakeDelegate) WillReset(ctx context.Context, coreNum int) (bool, error) {
	return d.call("will_reset")
}

func (d *fakeDelegate) DidReset(ctx context.Context, coreNum int) (bool, error) {
	return d.call("did_reset")
}

func (d *fakeDelegate) SetResetCatch(ctx context.Context, coreNum int) (bool, error) {
	return d.call("set_reset_catch")
}

func (d *fakeDelegate) ClearResetCatch(ctx context.Context, coreNum int) (bool, error) {
	return d.call("clear_reset_catch")
}

func (d *fakeDelegate) TraceStart(ctx context.Context, coreNum int) (bool, error) {
	return d.call("trace_start")
}

func TestResetCatchDelegated(t *testing.T) {
	ctx := context.Background()
	m := newFakeMem()
	d := &fakeDelegate{handled: map[string]bool{"set_reset_catch": true}}
	c := newTestCore(t, m, CoreConfig{Delegate: d})

	if err := c.SetResetCatch(ctx); err != nil {
		t.Fatalf("SetResetCatch: %s", err)
	}
	if err := c.ClearResetCatch(ctx); err != nil {
		t.Fatalf("ClearResetCatch: %s", err)
	}
	// The delegate handled it: no hardware was touched.
	if len(m.writes) != 0 {
		t.Errorf("unexpected hardware writes: %v", m.writes)
	}
	want := []string{"set_reset_catch", "clear_reset_catch"}
	if !reflect.DeepEqual(d.calls, want) {
		t.Errorf("delegate calls: got %v, want %v", d.calls, want)
	}
}

type fakeFlusher struct {
	n int
}

func (f *fakeFlusher) Flush(ctx context.Context) error {
	f.n++
	return nil
}

func TestReset(t *testing.T) {
	ctx := context.Background()
	m := newFakeMem()
	sess := target.NewSession()
	var events []string
	sess.AddObserver(func(ev target.Event, coreNum int) {
		events = append(events, ev.String())
	})
	resyncs := 0
	c := newTestCore(t, m, CoreConfig{
		Session: sess,
		Resync: func(ctx context.Context) error {
			resyncs++
			return nil
		},
	})

	// A fresh core assumes erased flash, so the first reset resyncs.
	if err := c.Reset(ctx); err != nil {
		t.Fatalf("Reset: %s", err)
	}
	if resyncs != 1 {
		t.Errorf("resyncs: got %d, want 1", resyncs)
	}
	mustWrite(t, m, cortex.RegAIRCR, cortex.AIRCRKey|cortex.AIRCRSysResetReq)
	if got := c.RunToken(); got != 1 {
		t.Errorf("run token: got %d, want 1", got)
	}
	want := []string{"PRE_RESET", "POST_RESET"}
	if !reflect.DeepEqual(events, want) {
		t.Errorf("events: got %v, want %v", events, want)
	}

	// Once flash is known programmed, no resync.
	c.flashErased = false
	if err := c.Reset(ctx); err != nil {
		t.Fatalf("Reset: %s", err)
	}
	if resyncs != 1 {
		t.Errorf("resyncs after programmed reset: got %d, want 1", resyncs)
	}
	if got := c.RunToken(); got != 2 {
		t.Errorf("run token: got %d, want 2", got)
	}
}

func TestResetDelegated(t *testing.T) {
	ctx := context.Background()
	m := newFakeMem()
	d := &fakeDelegate{handled: map[string]bool{"will_reset": true}}
	c := newTestCore(t, m, CoreConfig{Delegate: d})
	c.flashErased = false

	if err := c.Reset(ctx); err != nil {
		t.Fatalf("Reset: %s", err)
	}
	mustNotWrite(t, m, cortex.RegAIRCR)
	want := []string{"will_reset", "did_reset"}
	if !reflect.DeepEqual(d.calls, want) {
		t.Errorf("delegate calls: got %v, want %v", d.calls, want)
	}
}

func TestResetTimeout(t *testing.T) {
	ctx := context.Background()
	m := newFakeMem()
	// S_RESET_ST never clears.
	m.sticky[cortex.RegDHCSR] = cortex.DHCSRSHalt | cortex.DHCSRSResetSt
	c := newTestCore(t, m, CoreConfig{})
	c.flashErased = false

	err := c.Reset(ctx)
	if !errors.IsTimeout(err) {
		t.Fatalf("want timeout error, got %v", err)
	}
}

func TestResetFlushesOnFault(t *testing.T) {
	ctx := context.Background()
	m := newFakeMem()
	fl := &fakeFlusher{}
	c := newTestCore(t, m, CoreConfig{Flusher: fl})
	c.flashErased = false

	// First DHCSR read after the halt is for the halt wait itself; then the
	// reset-exit poll faults once and recovers.
	m.script(cortex.RegDHCSR,
		readResult{value: cortex.DHCSRSHalt},
		readResult{err: faultErr()},
		readResult{value: 0},
	)
	if err := c.Reset(ctx); err != nil {
		t.Fatalf("Reset: %s", err)
	}
	if fl.n != 1 {
		t.Errorf("flushes: got %d, want 1", fl.n)
	}
}

// The full cycle on a blank chip: erased reads synthesize 0xFF, reset catch
// falls back to the boot ROM watchpoint, and once a vector shows up in
// flash the catch switches to a breakpoint on it.
func TestBlankChipCycle(t *testing.T) {
	ctx := context.Background()
	m := newFakeMem()
	m.mem[peripheralBaseNS+flashIntStatus] = flashIntStatusDone | 0x1
	m.mem[cortex.RegDEMCR] = 0
	resyncs := 0
	c := newTestCore(t, m, CoreConfig{
		Resync: func(ctx context.Context) error {
			resyncs++
			return nil
		},
	})

	data, err := c.ReadMem(ctx, 0x0, 0x200)
	if err != nil {
		t.Fatalf("ReadMem: %s", err)
	}
	if !bytes.Equal(data, bytes.Repeat([]byte{0xff}, 0x200)) {
		t.Fatalf("blank flash must read as 0xFF")
	}

	if err := c.SetResetCatch(ctx); err != nil {
		t.Fatalf("SetResetCatch: %s", err)
	}
	if c.CatchMode() != CatchWatchpoint {
		t.Fatalf("blank chip must use a watchpoint, got %s", c.CatchMode())
	}
	if err := c.Reset(ctx); err != nil {
		t.Fatalf("Reset: %s", err)
	}
	if resyncs != 1 {
		t.Errorf("blank-chip reset must resync the DM-AP, got %d", resyncs)
	}
	if err := c.ClearResetCatch(ctx); err != nil {
		t.Fatalf("ClearResetCatch: %s", err)
	}

	// An application appears in flash: vector 0x0000_1001 at offset 4.
	m.mem[peripheralBaseNS+flashIntStatus] = flashIntStatusDone
	m.mem[resetVectorAddr] = 0x00001001

	if err := c.SetResetCatch(ctx); err != nil {
		t.Fatalf("SetResetCatch: %s", err)
	}
	if c.CatchMode() != CatchBreakpoint {
		t.Fatalf("programmed chip must use a breakpoint, got %s", c.CatchMode())
	}
	mustWrite(t, m, cortex.RegFPBComp0, 0x00001001)
	if err := c.Reset(ctx); err != nil {
		t.Fatalf("Reset: %s", err)
	}
	if resyncs != 1 {
		t.Errorf("programmed-chip reset must not resync, got %d", resyncs)
	}
}
