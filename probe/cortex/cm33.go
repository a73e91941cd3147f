package cortex

import (
	"context"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/swdbg/common"
)

// CM33Debug is the core debug interface of an ARMv8-M (Cortex-M33) CPU,
// driven entirely through the core's memory-mapped debug registers.
type CM33Debug interface {
	Init(ctx context.Context) error
	// Halt requests a halt and waits for the core to stop.
	Halt(ctx context.Context) error
	// Run releases the core from halt. If waitHalt is set, waits for the
	// core to halt again (e.g. on a comparator hit) before returning.
	Run(ctx context.Context, waitHalt bool) error
	WaitHalt(ctx context.Context) error
	// SysReset requests a system reset via AIRCR.SYSRESETREQ.
	SysReset(ctx context.Context) error
	ReadDHCSR(ctx context.Context) (uint32, error)
	SecurityState(ctx context.Context) (SecurityState, error)

	GetReg(ctx context.Context, reg int) (uint32, error)
	SetReg(ctx context.Context, reg int, value uint32) error
	GetRegs(ctx context.Context, regFile *CortexRegFile) error
	SetRegs(ctx context.Context, regFile *CortexRegFile) error

	// SetWatchpoint arms DWT comparator 0 on a data address.
	SetWatchpoint(ctx context.Context, addr, size uint32, kind WatchpointKind) error
	ClearWatchpoint(ctx context.Context) error
}

func NewCM33Debug(tmrw common.TargetMemReaderWriter) CM33Debug {
	return &cm33Debug{tmrw: tmrw}
}

type cm33Debug struct {
	tmrw common.TargetMemReaderWriter
}

func (cmd *cm33Debug) Init(ctx context.Context) error {
	cpuid, err := cmd.tmrw.ReadTargetReg(ctx, RegCPUID)
	if err != nil {
		return errors.Annotatef(err, "failed to get CPUID")
	}
	if cpuid&0xff00fff0 != 0x4100d210 {
		return errors.Errorf("target is not a Cortex-M33 (CPUID 0x%08x)", cpuid)
	}
	// Enable debug before touching anything else.
	return errors.Trace(cmd.tmrw.WriteTargetReg(ctx, RegDHCSR, DHCSRKey|DHCSRCDebugEn))
}

func (cmd *cm33Debug) ReadDHCSR(ctx context.Context) (uint32, error) {
	return cmd.tmrw.ReadTargetReg(ctx, RegDHCSR)
}

func (cmd *cm33Debug) Halt(ctx context.Context) error {
	glog.V(3).Infof("Halt()")
	if err := cmd.tmrw.WriteTargetReg(ctx, RegDHCSR, DHCSRKey|DHCSRCHalt|DHCSRCDebugEn); err != nil {
		return errors.Annotatef(err, "failed to set DHCSR")
	}
	return errors.Trace(cmd.WaitHalt(ctx))
}

func (cmd *cm33Debug) WaitHalt(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return errors.Annotatef(err, "waiting for core halt")
		}
		dhcsr, err := cmd.tmrw.ReadTargetReg(ctx, RegDHCSR)
		if err != nil {
			return errors.Annotatef(err, "failed to get DHCSR")
		}
		glog.V(3).Infof("WaitHalt DHCSR 0x%08x", dhcsr)
		if dhcsr&DHCSRSHalt != 0 {
			break
		}
		time.Sleep(1 * time.Millisecond)
	}
	return nil
}

func (cmd *cm33Debug) Run(ctx context.Context, waitHalt bool) error {
	glog.V(3).Infof("Run(%t)", waitHalt)
	if err := cmd.tmrw.WriteTargetReg(ctx, RegDHCSR, DHCSRKey|DHCSRCDebugEn); err != nil {
		return errors.Annotatef(err, "failed to set DHCSR")
	}
	if !waitHalt {
		return nil
	}
	return errors.Trace(cmd.WaitHalt(ctx))
}

func (cmd *cm33Debug) SysReset(ctx context.Context) error {
	glog.V(3).Infof("SysReset()")
	return errors.Trace(cmd.tmrw.WriteTargetReg(ctx, RegAIRCR, AIRCRKey|AIRCRSysResetReq))
}

func (cmd *cm33Debug) SecurityState(ctx context.Context) (SecurityState, error) {
	dscsr, err := cmd.tmrw.ReadTargetReg(ctx, RegDSCSR)
	if err != nil {
		return SecurityStateNonSecure, errors.Annotatef(err, "failed to read DSCSR")
	}
	if dscsr&DSCSRCDS != 0 {
		return SecurityStateSecure, nil
	}
	return SecurityStateNonSecure, nil
}

func (cmd *cm33Debug) waitRegReady(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return errors.Annotatef(err, "waiting for reg transfer")
		}
		dhcsr, err := cmd.tmrw.ReadTargetReg(ctx, RegDHCSR)
		if err != nil {
			return errors.Annotatef(err, "failed to get DHCSR")
		}
		if dhcsr&DHCSRSRegRdy != 0 {
			break
		}
	}
	return nil
}

func (cmd *cm33Debug) SetReg(ctx context.Context, reg int, value uint32) error {
	glog.V(4).Infof("SetReg(%d, 0x%x)", reg, value)
	if err := cmd.tmrw.WriteTargetReg(ctx, RegDCRDR, value); err != nil {
		return errors.Annotatef(err, "failed to set DCRDR")
	}
	if err := cmd.tmrw.WriteTargetReg(ctx, RegDCRSR, (1<<16)|uint32(reg)); err != nil {
		return errors.Annotatef(err, "failed to set DCRSR")
	}
	return errors.Trace(cmd.waitRegReady(ctx))
}

func (cmd *cm33Debug) getReg(ctx context.Context, reg uint32, valuePtr *uint32) error {
	if err := cmd.tmrw.WriteTargetReg(ctx, RegDCRSR, reg); err != nil {
		return errors.Annotatef(err, "failed to set DCRSR")
	}
	if err := cmd.waitRegReady(ctx); err != nil {
		return errors.Annotatef(err, "failed to wait for reg read")
	}
	value, err := cmd.tmrw.ReadTargetReg(ctx, RegDCRDR)
	if err != nil {
		return errors.Annotatef(err, "failed to read DCRDR")
	}
	glog.V(4).Infof("GetReg(%d) == 0x%x", reg, value)
	*valuePtr = value
	return nil
}

func (cmd *cm33Debug) GetReg(ctx context.Context, reg int) (uint32, error) {
	var value uint32
	if err := cmd.getReg(ctx, uint32(reg), &value); err != nil {
		return 0, errors.Trace(err)
	}
	return value, nil
}

func (cmd *cm33Debug) SetRegs(ctx context.Context, regs *CortexRegFile) error {
	// ARMv8-M RM C1.6.3 equivalent of the v7-M sequence.
	glog.V(3).Infof("SetRegs(%s)", regs)
	for i := 0; i < 16; i++ {
		if err := cmd.SetReg(ctx, i, regs.R[i]); err != nil {
			return errors.Annotatef(err, "failed to set R%d", i)
		}
	}
	if err := cmd.SetReg(ctx, 0x10, regs.XPSR); err != nil {
		return errors.Annotatef(err, "failed to set xPSR")
	}
	if err := cmd.SetReg(ctx, 0x11, regs.MSP); err != nil {
		return errors.Annotatef(err, "failed to set MSP")
	}
	if err := cmd.SetReg(ctx, 0x12, regs.PSP); err != nil {
		return errors.Annotatef(err, "failed to set PSP")
	}
	return nil
}

func (cmd *cm33Debug) GetRegs(ctx context.Context, regs *CortexRegFile) error {
	glog.V(3).Infof("GetRegs()")
	for i := 0; i < 16; i++ {
		if err := cmd.getReg(ctx, uint32(i), &regs.R[i]); err != nil {
			return errors.Annotatef(err, "failed to get R%d", i)
		}
	}
	if err := cmd.getReg(ctx, 0x10, &regs.XPSR); err != nil {
		return errors.Annotatef(err, "failed to get xPSR")
	}
	if err := cmd.getReg(ctx, 0x11, &regs.MSP); err != nil {
		return errors.Annotatef(err, "failed to get MSP")
	}
	if err := cmd.getReg(ctx, 0x12, &regs.PSP); err != nil {
		return errors.Annotatef(err, "failed to get PSP")
	}
	glog.V(3).Infof("Regs: %s", regs)
	return nil
}

const (
	dwtFunctionActionDebug uint32 = 0x1 << 4
	dwtFunctionDataVSize4  uint32 = 0x2 << 10

	dwtMatchDataAddrRW uint32 = 0x4
	dwtMatchDataAddrW  uint32 = 0x5
	dwtMatchDataAddrR  uint32 = 0x6
)

func (cmd *cm33Debug) SetWatchpoint(ctx context.Context, addr, size uint32, kind WatchpointKind) error {
	glog.V(3).Infof("SetWatchpoint(0x%08x, %d, %d)", addr, size, kind)
	match := dwtMatchDataAddrRW
	switch kind {
	case WatchpointRead:
		match = dwtMatchDataAddrR
	case WatchpointWrite:
		match = dwtMatchDataAddrW
	}
	var vsize uint32
	switch size {
	case 1:
		vsize = 0x0 << 10
	case 2:
		vsize = 0x1 << 10
	case 4:
		vsize = dwtFunctionDataVSize4
	default:
		return errors.Errorf("unsupported watchpoint size %d", size)
	}
	if err := cmd.tmrw.WriteTargetReg(ctx, RegDWTFunction0, 0); err != nil {
		return errors.Annotatef(err, "failed to disarm DWT function")
	}
	if err := cmd.tmrw.WriteTargetReg(ctx, RegDWTComp0, addr); err != nil {
		return errors.Annotatef(err, "failed to set DWT comparator")
	}
	return errors.Trace(cmd.tmrw.WriteTargetReg(ctx, RegDWTFunction0, match|dwtFunctionActionDebug|vsize))
}

func (cmd *cm33Debug) ClearWatchpoint(ctx context.Context) error {
	glog.V(3).Infof("ClearWatchpoint()")
	if err := cmd.tmrw.WriteTargetReg(ctx, RegDWTComp0, 0); err != nil {
		return errors.Annotatef(err, "failed to clear DWT comparator")
	}
	return errors.Trace(cmd.tmrw.WriteTargetReg(ctx, RegDWTFunction0, 0))
}
