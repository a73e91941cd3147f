package lpc55xx

import (
	"bytes"
	"context"
	"encoding/binary"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/swdbg/common"
	"github.com/mongoose-os/swdbg/probe/cortex"
	"github.com/mongoose-os/swdbg/probe/dp"
	"github.com/mongoose-os/swdbg/target"
)

// Flash controller registers, relative to the peripheral base.
// Doc: NXP UM11126, FLASH controller.
const (
	peripheralBaseNS uint32 = 0x40000000
	peripheralBaseS  uint32 = 0x50000000

	flashCmd          uint32 = 0x00034000
	flashStartA       uint32 = 0x00034010
	flashStopA        uint32 = 0x00034014
	flashDataW0       uint32 = 0x00034080
	flashIntStatus    uint32 = 0x00034FE0
	flashIntClrStatus uint32 = 0x00034FE8

	flashCmdReadSingleWord uint32 = 0x3
	flashCmdMarginCheck    uint32 = 0x6

	// FAIL | ERR | ECC_ERR; any of these after a margin check means the
	// word is not readable, i.e. erased.
	flashIntStatusErrMask uint32 = 0xB
	flashIntStatusDone    uint32 = 0x4

	// The boot ROM writes this address when its initialization is done,
	// giving us something to watch when there is no application to
	// breakpoint on.
	bootROMMagicAddr uint32 = 0x50000040

	resetVectorAddr uint32 = 0x00000004
	erasedWord      uint32 = 0xFFFFFFFF
)

type CatchMode int

const (
	CatchNone CatchMode = iota
	CatchBreakpoint
	CatchWatchpoint
)

func (m CatchMode) String() string {
	switch m {
	case CatchBreakpoint:
		return "breakpoint"
	case CatchWatchpoint:
		return "watchpoint"
	}
	return "none"
}

// Flusher drains pending transactions after a faulted transfer.
type Flusher interface {
	Flush(ctx context.Context) error
}

type CoreConfig struct {
	Num int
	Mem common.TargetMemReaderWriter
	// Debug defaults to a CM33 debug client over Mem.
	Debug cortex.CM33Debug
	// MemoryMap enables the flash-aware read layer. A nil map makes all
	// reads raw (used for secondary cores without LPC55xx flash handling).
	MemoryMap        *target.MemoryMap
	Session          *target.Session
	Delegate         target.Delegate
	BreakpointFilter target.BreakpointFilter
	Flusher          Flusher
	// Resync is invoked after a reset that was issued with erased flash:
	// such resets wedge the DM-AP on this family.
	Resync func(ctx context.Context) error

	ProbeTimeout      time.Duration // margin check completion, default 5s
	ProbePollInterval time.Duration // default 10ms
	ResetTimeout      time.Duration // reset-exit status, default 2s
}

// Core is one CPU of an LPC55xx target: memory reads that tolerate erased
// flash, and reset handling that can halt at the first instruction whether
// or not an application is programmed.
type Core struct {
	num      int
	mem      common.TargetMemReaderWriter
	dbg      cortex.CM33Debug
	mmap     *target.MemoryMap
	sess     *target.Session
	delegate target.Delegate
	bpFilter target.BreakpointFilter
	flusher  Flusher
	resync   func(ctx context.Context) error

	probeTimeout      time.Duration
	probePollInterval time.Duration
	resetTimeout      time.Duration

	runToken       uint64
	catchMode      CatchMode
	catchDelegated bool
	savedDEMCR     uint32
	// Whether the last reset-catch probe saw no application in flash.
	// Starts out true: before the first probe we must assume the worst.
	flashErased bool
}

func NewCore(cfg CoreConfig) *Core {
	c := &Core{
		num:               cfg.Num,
		mem:               cfg.Mem,
		dbg:               cfg.Debug,
		mmap:              cfg.MemoryMap,
		sess:              cfg.Session,
		delegate:          cfg.Delegate,
		bpFilter:          cfg.BreakpointFilter,
		flusher:           cfg.Flusher,
		resync:            cfg.Resync,
		probeTimeout:      cfg.ProbeTimeout,
		probePollInterval: cfg.ProbePollInterval,
		resetTimeout:      cfg.ResetTimeout,
		flashErased:       true,
	}
	if c.dbg == nil {
		c.dbg = cortex.NewCM33Debug(c.mem)
	}
	if c.probeTimeout == 0 {
		c.probeTimeout = 5 * time.Second
	}
	if c.probePollInterval == 0 {
		c.probePollInterval = 10 * time.Millisecond
	}
	if c.resetTimeout == 0 {
		c.resetTimeout = 2 * time.Second
	}
	return c
}

func (c *Core) Num() int {
	return c.num
}

func (c *Core) Debug() cortex.CM33Debug {
	return c.dbg
}

func (c *Core) Mem() common.TargetMemReaderWriter {
	return c.mem
}

// RunToken increments on every reset; caches keyed by it self-invalidate.
func (c *Core) RunToken() uint64 {
	return c.runToken
}

func (c *Core) CatchMode() CatchMode {
	return c.catchMode
}

func (c *Core) FlashErased() bool {
	return c.flashErased
}

func (c *Core) Init(ctx context.Context) error {
	return errors.Annotatef(c.dbg.Init(ctx), "core %d init", c.num)
}

func (c *Core) isFlashAddr(addr uint32, length int) bool {
	if c.mmap == nil {
		return false
	}
	region := c.mmap.RegionFor(addr)
	if region == nil || !region.IsFlash() {
		return false
	}
	return region.ContainsRange(addr, length)
}

// isFlashErased probes the flash controller with a margin check over the
// requested range. Attempted reads of erased pages bus-fault on this
// family, so this is the only safe way to find out.
func (c *Core) isFlashErased(ctx context.Context, addr uint32, length int) (bool, error) {
	base := peripheralBaseNS
	ss, err := c.dbg.SecurityState(ctx)
	if err != nil {
		return false, errors.Annotatef(err, "core %d: failed to get security state", c.num)
	}
	if ss == cortex.SecurityStateSecure {
		// The flash controller must be accessed through the secure alias.
		base = peripheralBaseS
	}

	// Window addresses are in 16-byte flash words.
	if err := c.mem.WriteTargetReg(ctx, base+flashStartA, addr>>4); err != nil {
		return false, errors.Annotatef(err, "core %d: failed to set STARTA", c.num)
	}
	if err := c.mem.WriteTargetReg(ctx, base+flashStopA, (addr+uint32(length)-1)>>4); err != nil {
		return false, errors.Annotatef(err, "core %d: failed to set STOPA", c.num)
	}
	if err := c.mem.WriteTargetMem(ctx, base+flashDataW0, make([]uint32, 8)); err != nil {
		return false, errors.Annotatef(err, "core %d: failed to clear DATAW", c.num)
	}
	if err := c.mem.WriteTargetReg(ctx, base+flashIntClrStatus, 0xF); err != nil {
		return false, errors.Annotatef(err, "core %d: failed to clear flash status", c.num)
	}
	if err := c.mem.WriteTargetReg(ctx, base+flashCmd, flashCmdMarginCheck); err != nil {
		return false, errors.Annotatef(err, "core %d: failed to issue margin check", c.num)
	}

	deadline := time.Now().Add(c.probeTimeout)
	for {
		st, err := c.mem.ReadTargetReg(ctx, base+flashIntStatus)
		if err != nil {
			return false, errors.Annotatef(err, "core %d: failed to read flash status", c.num)
		}
		if st&flashIntStatusDone != 0 {
			break
		}
		if time.Now().After(deadline) {
			// Not "not erased": the controller is unresponsive.
			return false, errors.Timeoutf("core %d: flash margin check did not complete", c.num)
		}
		time.Sleep(c.probePollInterval)
	}

	st, err := c.mem.ReadTargetReg(ctx, base+flashIntStatus)
	if err != nil {
		return false, errors.Annotatef(err, "core %d: failed to read flash status", c.num)
	}
	erased := st&flashIntStatusErrMask != 0
	glog.V(2).Infof("core %d: margin check [0x%08x,+0x%x): status 0x%x, erased %t",
		c.num, addr, length, st, erased)
	return erased, nil
}

// ReadMem reads length bytes at addr. Reads falling entirely in a flash
// region are preceded by a margin-check probe; an erased range yields
// synthetic 0xFF bytes instead of a bus-faulting raw read.
func (c *Core) ReadMem(ctx context.Context, addr uint32, length int) ([]byte, error) {
	if c.isFlashAddr(addr, length) {
		erased, err := c.isFlashErased(ctx, addr, length)
		if err != nil {
			return nil, errors.Trace(err)
		}
		if erased {
			return bytes.Repeat([]byte{0xff}, length), nil
		}
	}
	data, err := c.mem.ReadTargetMemBytes(ctx, addr, length)
	if err != nil {
		return nil, errors.Annotatef(err, "core %d: read 0x%08x+%d", c.num, addr, length)
	}
	if c.bpFilter != nil {
		data = c.bpFilter.FilterMemory(addr, data)
	}
	return data, nil
}

// ReadMem32 reads one little-endian word through the flash-aware layer.
func (c *Core) ReadMem32(ctx context.Context, addr uint32) (uint32, error) {
	data, err := c.ReadMem(ctx, addr, 4)
	if err != nil {
		return 0, errors.Trace(err)
	}
	return binary.LittleEndian.Uint32(data), nil
}

func (c *Core) ReadMem16(ctx context.Context, addr uint32) (uint16, error) {
	data, err := c.ReadMem(ctx, addr, 2)
	if err != nil {
		return 0, errors.Trace(err)
	}
	return binary.LittleEndian.Uint16(data), nil
}

func (c *Core) ReadMem8(ctx context.Context, addr uint32) (uint8, error) {
	data, err := c.ReadMem(ctx, addr, 1)
	if err != nil {
		return 0, errors.Trace(err)
	}
	return data[0], nil
}

func (c *Core) delegateCall(ctx context.Context, name string,
	call func(target.Delegate) (bool, error)) (bool, error) {
	if c.delegate == nil {
		return false, nil
	}
	handled, err := call(c.delegate)
	if err != nil {
		return false, errors.Annotatef(err, "core %d: %s delegate", c.num, name)
	}
	glog.V(2).Infof("core %d: %s delegate handled=%t", c.num, name, handled)
	return handled, nil
}

// SetResetCatch prepares to halt the core at the first instruction after
// reset. With an application in flash it breakpoints the reset handler;
// with erased flash it watches the boot ROM's completion sentinel instead,
// since there is no valid vector to breakpoint on.
func (c *Core) SetResetCatch(ctx context.Context) error {
	glog.V(1).Infof("set reset catch, core %d", c.num)

	c.catchMode = CatchNone

	handled, err := c.delegateCall(ctx, "set_reset_catch", func(d target.Delegate) (bool, error) {
		return d.SetResetCatch(ctx, c.num)
	})
	if err != nil {
		return errors.Trace(err)
	}
	c.catchDelegated = handled
	if handled {
		return nil
	}

	if err := c.dbg.Halt(ctx); err != nil {
		return errors.Annotatef(err, "core %d: failed to halt", c.num)
	}

	demcr, err := c.mem.ReadTargetReg(ctx, cortex.RegDEMCR)
	if err != nil {
		return errors.Annotatef(err, "core %d: failed to read DEMCR", c.num)
	}
	c.savedDEMCR = demcr

	// This sequence follows the NXP LPC55S69 DFP debug sequence.
	// Clear reset vector catch so the boot ROM can run far enough to
	// deposit a reset vector.
	if err := c.mem.WriteTargetReg(ctx, cortex.RegDEMCR, demcr&^cortex.DEMCRVCCoreReset); err != nil {
		return errors.Annotatef(err, "core %d: failed to clear vector catch", c.num)
	}

	resetVector, err := c.ReadMem32(ctx, resetVectorAddr)
	if err != nil {
		return errors.Annotatef(err, "core %d: failed to read reset vector", c.num)
	}

	if resetVector != erasedWord {
		// Break on the user application's reset handler. LSB set per the
		// Thumb-mode address convention.
		c.flashErased = false
		c.catchMode = CatchBreakpoint
		glog.V(1).Infof("core %d: code present in flash, breakpoint at 0x%08x", c.num, resetVector)
		if err := c.mem.WriteTargetReg(ctx, cortex.RegFPBComp0, resetVector|1); err != nil {
			return errors.Annotatef(err, "core %d: failed to set FPB comparator", c.num)
		}
		if err := c.mem.WriteTargetReg(ctx, cortex.RegFPBCtrl, cortex.FPBCtrlEnableKey); err != nil {
			return errors.Annotatef(err, "core %d: failed to enable FPB", c.num)
		}
	} else {
		// No valid user application, so watch for the boot ROM signaling
		// the end of its initialization.
		c.flashErased = true
		c.catchMode = CatchWatchpoint
		glog.V(1).Infof("core %d: flash is empty, watchpoint at 0x%08x", c.num, bootROMMagicAddr)
		if err := c.dbg.SetWatchpoint(ctx, bootROMMagicAddr, 4, cortex.WatchpointReadWrite); err != nil {
			return errors.Annotatef(err, "core %d: failed to set watchpoint", c.num)
		}
	}

	// Read DHCSR to clear a potentially set S_RESET_ST bit.
	if _, err := c.dbg.ReadDHCSR(ctx); err != nil {
		return errors.Annotatef(err, "core %d: failed to read DHCSR", c.num)
	}
	return nil
}

// ClearResetCatch disarms whichever comparator SetResetCatch armed and
// restores the saved vector-catch configuration.
func (c *Core) ClearResetCatch(ctx context.Context) error {
	glog.V(1).Infof("clear reset catch, core %d", c.num)

	if _, err := c.delegateCall(ctx, "clear_reset_catch", func(d target.Delegate) (bool, error) {
		return d.ClearResetCatch(ctx, c.num)
	}); err != nil {
		return errors.Trace(err)
	}

	if !c.catchDelegated {
		switch c.catchMode {
		case CatchBreakpoint:
			if err := c.mem.WriteTargetReg(ctx, cortex.RegFPBComp0, 0); err != nil {
				return errors.Annotatef(err, "core %d: failed to clear FPB comparator", c.num)
			}
		case CatchWatchpoint:
			if err := c.dbg.ClearWatchpoint(ctx); err != nil {
				return errors.Annotatef(err, "core %d: failed to clear watchpoint", c.num)
			}
		}
		if err := c.mem.WriteTargetReg(ctx, cortex.RegDEMCR, c.savedDEMCR); err != nil {
			return errors.Annotatef(err, "core %d: failed to restore DEMCR", c.num)
		}
	}
	c.catchMode = CatchNone
	return nil
}

// Reset performs one reset of the core. If the previous reset-catch probe
// saw erased flash, the DM-AP is resynchronized after the reset: a chip
// reset with no application wedges it.
func (c *Core) Reset(ctx context.Context) error {
	glog.V(1).Infof("reset, core %d", c.num)
	if c.sess != nil {
		c.sess.Notify(target.EventPreReset, c.num)
	}

	c.runToken++

	handled, err := c.delegateCall(ctx, "will_reset", func(d target.Delegate) (bool, error) {
		return d.WillReset(ctx, c.num)
	})
	if err != nil {
		return errors.Trace(err)
	}
	if !handled {
		if err := c.dbg.SysReset(ctx); err != nil {
			return errors.Annotatef(err, "core %d: failed to reset", c.num)
		}
	}

	if c.flashErased && c.resync != nil {
		glog.V(1).Infof("core %d: flash erased, resynchronizing DM-AP", c.num)
		if err := c.resync(ctx); err != nil {
			return errors.Annotatef(err, "core %d: failed to resynchronize DM-AP", c.num)
		}
	}

	if err := c.dbg.Halt(ctx); err != nil {
		return errors.Annotatef(err, "core %d: failed to halt after reset", c.num)
	}

	if _, err := c.delegateCall(ctx, "did_reset", func(d target.Delegate) (bool, error) {
		return d.DidReset(ctx, c.num)
	}); err != nil {
		return errors.Trace(err)
	}

	// Wait for the system to come out of reset: read DHCSR until we get a
	// good response with S_RESET_ST cleared.
	deadline := time.Now().Add(c.resetTimeout)
	for {
		dhcsr, err := c.dbg.ReadDHCSR(ctx)
		if err == nil && dhcsr&cortex.DHCSRSResetSt == 0 {
			break
		}
		if err != nil {
			if !dp.IsTransferFault(err) && !dp.IsTransferTimeout(err) {
				return errors.Annotatef(err, "core %d: failed to read DHCSR", c.num)
			}
			if c.flusher != nil {
				if ferr := c.flusher.Flush(ctx); ferr != nil {
					glog.V(1).Infof("core %d: flush failed: %s", c.num, ferr)
				}
			}
		}
		if time.Now().After(deadline) {
			return errors.Timeoutf("core %d did not come out of reset", c.num)
		}
		time.Sleep(c.probePollInterval)
	}

	if c.sess != nil {
		c.sess.Notify(target.EventPostReset, c.num)
	}
	return nil
}
