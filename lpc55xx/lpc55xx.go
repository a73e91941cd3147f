// Package lpc55xx supports NXP LPC55xx (Cortex-M33) targets.
//
// The family needs special handling in three places: the debug-management
// access port can wedge across resets and must be resynchronized, erased
// flash pages bus-fault when read and must be probed via the flash
// controller first, and reset-catch must fall back to a boot-ROM
// watchpoint when there is no application to breakpoint on.
package lpc55xx

import (
	"context"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/swdbg/probe/dp"
	"github.com/mongoose-os/swdbg/probe/memap"
	"github.com/mongoose-os/swdbg/seq"
	"github.com/mongoose-os/swdbg/target"
)

// Debug mailbox AP (NXP calls it the DM-AP), a vendor AP controlling
// chip-level debug state. Doc: NXP UM11126, Debug subsystem.
const (
	dmAPIndex = 2

	dmRegCSW     uint8 = 0x00 // command/status word
	dmRegRequest uint8 = 0x04
	dmRegReturn  uint8 = 0x08
	dmRegID      uint8 = 0xFC

	// The DM-AP ID register reads this once the mailbox is quiescent.
	dmIDQuiescent uint32 = 0x002A0000
	// CSW RESYNC_REQ | CHIP_RESET_REQ.
	dmCSWResyncReset uint32 = 0x21
	// REQUEST code to start a debug session.
	dmRequestStartDbgSession uint32 = 0x07
)

// SYSCON/IOCON registers used for trace clock setup (non-secure aliases).
const (
	sysconTraceClkSel   uint32 = 0x40000268
	sysconTraceClkDiv   uint32 = 0x40000308
	ioconAHBClkCtrlSet0 uint32 = 0x40001220
	ioconPIO0_10        uint32 = 0x40001028
)

type FamilyConfig struct {
	DP               dp.DPClient
	Session          *target.Session
	MemoryMap        *target.MemoryMap
	Delegate         target.Delegate
	BreakpointFilter target.BreakpointFilter
	// PollInterval spaces the DM-AP resync polls. The hardware resolves
	// within microseconds; over a slow transport a non-zero interval keeps
	// the probe link from being saturated.
	PollInterval time.Duration
	// MaxAPs bounds AP discovery, default 3 (AP0, AP1, DM-AP).
	MaxAPs int
}

// Family drives bring-up and reset management for an LPC55xx target.
type Family struct {
	dpc      dp.DPClient
	sess     *target.Session
	mmap     *target.MemoryMap
	delegate target.Delegate
	bpFilter target.BreakpointFilter

	pollInterval time.Duration
	maxAPs       int

	maps  map[int]memap.MemAPClient
	cores []*Core
}

func NewFamily(cfg FamilyConfig) *Family {
	f := &Family{
		dpc:          cfg.DP,
		sess:         cfg.Session,
		mmap:         cfg.MemoryMap,
		delegate:     cfg.Delegate,
		bpFilter:     cfg.BreakpointFilter,
		pollInterval: cfg.PollInterval,
		maxAPs:       cfg.MaxAPs,
		maps:         make(map[int]memap.MemAPClient),
	}
	if f.sess == nil {
		f.sess = target.NewSession()
	}
	if f.maxAPs == 0 {
		f.maxAPs = 3
	}
	return f
}

func (f *Family) Session() *target.Session {
	return f.sess
}

func (f *Family) Cores() []*Core {
	return f.cores
}

func (f *Family) Core0() *Core {
	if len(f.cores) == 0 {
		return nil
	}
	return f.cores[0]
}

func (f *Family) pollSleep() {
	if f.pollInterval > 0 {
		time.Sleep(f.pollInterval)
	}
}

// ResyncDMAP recovers a wedged debug mailbox: wait for the mailbox to
// report quiescent (faults mean "not ready yet"), request a resync plus
// chip reset, wait for the request to be consumed, then start a debug
// session. The first two waits have no intrinsic bound; the caller's
// context carries the session-wide timeout.
func (f *Family) ResyncDMAP(ctx context.Context) error {
	glog.V(1).Infof("resynchronizing DM-AP")
	for {
		if err := ctx.Err(); err != nil {
			return errors.Annotatef(err, "waiting for DM-AP quiescent")
		}
		value, err := f.dpc.ReadAPReg(ctx, dmAPIndex, dmRegID)
		if err != nil {
			if dp.IsTransferFault(err) {
				// Not ready yet.
				f.pollSleep()
				continue
			}
			return errors.Annotatef(err, "failed to read DM-AP ID")
		}
		if value == dmIDQuiescent {
			break
		}
		f.pollSleep()
	}

	glog.V(1).Infof("sending resync request")
	if err := f.dpc.WriteAPReg(ctx, dmAPIndex, dmRegCSW, dmCSWResyncReset); err != nil {
		return errors.Annotatef(err, "failed to request DM-AP resync")
	}
	for {
		if err := ctx.Err(); err != nil {
			return errors.Annotatef(err, "waiting for resync ack")
		}
		value, err := f.dpc.ReadAPReg(ctx, dmAPIndex, dmRegCSW)
		if err != nil {
			if dp.IsTransferTimeout(err) {
				f.pollSleep()
				continue
			}
			return errors.Annotatef(err, "failed to read DM-AP CSW")
		}
		if value == 0 {
			break
		}
		f.pollSleep()
	}
	glog.V(1).Infof("resync success")

	return errors.Trace(f.StartDebugSession(ctx))
}

// StartDebugSession asks the DM-AP to open a debug session and waits for
// the return register to acknowledge it.
func (f *Family) StartDebugSession(ctx context.Context) error {
	glog.V(1).Infof("starting debug session")
	if err := f.dpc.WriteAPReg(ctx, dmAPIndex, dmRegRequest, dmRequestStartDbgSession); err != nil {
		return errors.Annotatef(err, "failed to request debug session")
	}
	for {
		if err := ctx.Err(); err != nil {
			return errors.Annotatef(err, "waiting for debug session")
		}
		value, err := f.dpc.ReadAPReg(ctx, dmAPIndex, dmRegReturn)
		if err != nil {
			if dp.IsTransferTimeout(err) {
				f.pollSleep()
				continue
			}
			return errors.Annotatef(err, "failed to read DM-AP return")
		}
		if value&0xFFFF == 0 {
			break
		}
		f.pollSleep()
	}
	glog.V(1).Infof("debug session start success")
	return nil
}

// CreateInitSequence builds the bring-up sequence: the generic base
// procedure with this family's structural edits grafted in. Execute it
// once per session.
func (f *Family) CreateInitSequence() (*seq.Sequence, error) {
	s, err := seq.New(
		seq.Task{Name: "dp_init", Run: f.dpc.Init},
		seq.Task{Name: "find_aps", Run: f.findAPs},
		seq.Task{Name: "init_aps", Run: f.initAPs},
		seq.Task{Name: "create_cores", Run: f.createGenericCores},
		seq.Task{Name: "create_components", Run: f.createComponents},
	)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if err := s.InsertBefore("find_aps",
		seq.Task{Name: "resynchronize_dm_ap", Run: f.ResyncDMAP}); err != nil {
		return nil, errors.Trace(err)
	}
	// AP#1 transactions must be non-secure before the AP is usable.
	if err := s.WrapTask("init_aps", func(inner seq.Task) seq.Task {
		return seq.Task{Run: func(ctx context.Context) error {
			if err := f.setAP1NonSec(ctx); err != nil {
				return errors.Trace(err)
			}
			return inner.Run(ctx)
		}}
	}); err != nil {
		return nil, errors.Trace(err)
	}
	if err := s.ReplaceTask("create_cores",
		seq.Task{Run: f.createCores}); err != nil {
		return nil, errors.Trace(err)
	}
	if err := s.InsertBefore("create_components",
		seq.Task{Name: "enable_traceclk", Run: f.enableTraceclk}); err != nil {
		return nil, errors.Trace(err)
	}
	return s, nil
}

func (f *Family) findAPs(ctx context.Context) error {
	for i := 0; i < f.maxAPs; i++ {
		idr, err := f.dpc.ReadAPReg(ctx, uint8(i), uint8(memap.IDR))
		if err != nil {
			if dp.IsTransferFault(err) || dp.IsTransferTimeout(err) {
				glog.V(2).Infof("AP%d: no response", i)
				continue
			}
			return errors.Annotatef(err, "failed to probe AP %d", i)
		}
		if idr == 0 {
			continue
		}
		glog.V(1).Infof("AP%d: IDR 0x%08x", i, idr)
		f.sess.AddAP(i)
		if i != dmAPIndex {
			f.maps[i] = memap.NewMemAPClient(f.dpc, uint8(i))
		}
	}
	if !f.sess.HasAP(0) {
		return errors.Errorf("AP#0 was not found")
	}
	return nil
}

func (f *Family) setAP1NonSec(ctx context.Context) error {
	mapc, ok := f.maps[1]
	if !ok {
		return nil
	}
	return errors.Annotatef(mapc.SetNonSecure(ctx, true), "failed to make AP#1 non-secure")
}

func (f *Family) initAPs(ctx context.Context) error {
	for _, i := range f.sess.APs() {
		mapc, ok := f.maps[i]
		if !ok {
			continue
		}
		if err := mapc.Init(ctx); err != nil {
			return errors.Annotatef(err, "failed to init AP %d", i)
		}
	}
	return nil
}

// createGenericCores is the base procedure's core creation. The family
// replaces it with createCores; kept as the generic default.
func (f *Family) createGenericCores(ctx context.Context) error {
	for _, i := range f.sess.APs() {
		mapc, ok := f.maps[i]
		if !ok {
			continue
		}
		core := NewCore(CoreConfig{
			Num:     len(f.cores),
			Mem:     mapc,
			Session: f.sess,
		})
		if err := core.Init(ctx); err != nil {
			return errors.Trace(err)
		}
		f.cores = append(f.cores, core)
	}
	return nil
}

// createCores creates core 0 with the family's flash-aware behavior and,
// if AP#1 is present, a plain secondary core.
func (f *Family) createCores(ctx context.Context) error {
	mapc, ok := f.maps[0]
	if !ok {
		return errors.Errorf("AP#0 was not found, unable to create core 0")
	}
	core0 := NewCore(CoreConfig{
		Num:              0,
		Mem:              mapc,
		MemoryMap:        f.mmap,
		Session:          f.sess,
		Delegate:         f.delegate,
		BreakpointFilter: f.bpFilter,
		Flusher:          f.dpc,
		Resync:           f.ResyncDMAP,
	})
	if err := core0.Init(ctx); err != nil {
		return errors.Annotatef(err, "failed to init core 0")
	}
	f.cores = append(f.cores, core0)

	if mapc1, ok := f.maps[1]; ok {
		// Core 1 gets no flash-aware layer: only core 0 boots from flash.
		core1 := NewCore(CoreConfig{
			Num:     1,
			Mem:     mapc1,
			Session: f.sess,
			Flusher: f.dpc,
		})
		if err := core1.Init(ctx); err != nil {
			return errors.Annotatef(err, "failed to init core 1")
		}
		f.cores = append(f.cores, core1)
	}
	return nil
}

// createComponents logs the debug component ROM table bases. Trace
// component discovery proper is not needed for reset management.
func (f *Family) createComponents(ctx context.Context) error {
	for i, mapc := range f.maps {
		base, err := mapc.ReadReg(ctx, memap.BASE)
		if err != nil {
			return errors.Annotatef(err, "failed to read AP %d BASE", i)
		}
		glog.V(2).Infof("AP%d: ROM table base 0x%08x", i, base)
	}
	return nil
}

// enableTraceclk switches the trace clock to a usable source and enables
// the IOCON clock, preserving the current divider.
func (f *Family) enableTraceclk(ctx context.Context) error {
	// Don't make it worse if no APs were found.
	mapc, ok := f.maps[0]
	if !ok {
		return nil
	}
	clksel, err := mapc.ReadTargetReg(ctx, sysconTraceClkSel)
	if err != nil {
		return errors.Annotatef(err, "failed to read TRACECLKSEL")
	}
	if clksel > 2 {
		if err := mapc.WriteTargetReg(ctx, sysconTraceClkSel, 0); err != nil {
			return errors.Annotatef(err, "failed to select trace clock")
		}
	}
	clkdiv, err := mapc.ReadTargetReg(ctx, sysconTraceClkDiv)
	if err != nil {
		return errors.Annotatef(err, "failed to read TRACECLKDIV")
	}
	// Preserve the divider but clear the rest to enable.
	if err := mapc.WriteTargetReg(ctx, sysconTraceClkDiv, clkdiv&0xFF); err != nil {
		return errors.Annotatef(err, "failed to write TRACECLKDIV")
	}
	return errors.Annotatef(mapc.WriteTargetReg(ctx, ioconAHBClkCtrlSet0, 1<<13),
		"failed to enable IOCON clock")
}

// TraceStart configures the trace output pin and (re-)enables the trace
// clock: a reset with ITM enabled clears TRACECLKDIV/TRACECLKSEL even
// though ITM stays enabled, which would hang ITM stimulus writes in the
// target.
func (f *Family) TraceStart(ctx context.Context) error {
	mapc, ok := f.maps[0]
	if !ok {
		return errors.Errorf("AP#0 was not found")
	}
	// PIO0_10: FUNC 6, SLEW 1 (trace output).
	if err := mapc.WriteTargetReg(ctx, ioconPIO0_10, 0x00000046); err != nil {
		return errors.Annotatef(err, "failed to configure trace pin")
	}
	if f.delegate != nil {
		if _, err := f.delegate.TraceStart(ctx, 0); err != nil {
			return errors.Annotatef(err, "trace_start delegate")
		}
	}
	return errors.Trace(f.enableTraceclk(ctx))
}
