package cortex

import (
	"context"
	"fmt"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/swdbg/common"
)

// Doc: ARM v8-M Architecture Reference Manual

const (
	RegCPUID uint32 = 0xE000ED00
	RegAIRCR uint32 = 0xE000ED0C
	RegDHCSR uint32 = 0xE000EDF0
	RegDCRSR uint32 = 0xE000EDF4
	RegDCRDR uint32 = 0xE000EDF8
	RegDEMCR uint32 = 0xE000EDFC
	RegDSCSR uint32 = 0xE000EE08
	RegPID0  uint32 = 0xE000EFE0

	AIRCRKey         uint32 = 0x05FA0000
	AIRCRSysResetReq uint32 = 0x4

	DHCSRKey      uint32 = 0xA05F0000
	DHCSRCDebugEn uint32 = 1 << 0
	DHCSRCHalt    uint32 = 1 << 1
	DHCSRSRegRdy  uint32 = 1 << 16
	DHCSRSHalt    uint32 = 1 << 17
	DHCSRSResetSt uint32 = 1 << 25

	DEMCRVCCoreReset uint32 = 1 << 0

	DSCSRCDS uint32 = 1 << 16

	// Flash Patch and Breakpoint unit.
	RegFPBCtrl  uint32 = 0xE0002000
	RegFPBComp0 uint32 = 0xE0002008
	FPBCtrlEnableKey uint32 = 0x00000003 // ENABLE | KEY

	// Data Watchpoint and Trace unit.
	RegDWTComp0     uint32 = 0xE0001020
	RegDWTFunction0 uint32 = 0xE0001028
)

const SP = 13 // SP is an alias for R13
const LR = 14 // LR is an alias for R14
const PC = 15 // PC is an alias for R15

type CortexRegFile struct {
	R    [16]uint32
	XPSR uint32
	MSP  uint32
	PSP  uint32
}

type SecurityState int

const (
	SecurityStateNonSecure SecurityState = iota
	SecurityStateSecure
)

func (s SecurityState) String() string {
	if s == SecurityStateSecure {
		return "secure"
	}
	return "non-secure"
}

type WatchpointKind int

const (
	WatchpointRead WatchpointKind = iota
	WatchpointWrite
	WatchpointReadWrite
)

func TargetName(cpuid, pid0 uint32) string {
	glog.V(1).Infof("CPUID: 0x%08x, PID0: 0x%08x", cpuid, pid0)
	vendorno := cpuid >> 24
	vendor := ""
	switch vendorno {
	case 0x41:
		vendor = "ARM"
	}
	patch := cpuid & 0xf
	partno := (cpuid >> 4) & 0xfff
	rev := (cpuid >> 20) & 0xf
	part := ""
	switch partno {
	case 0xc20:
		part = "Cortex-M0"
	case 0xc60:
		part = "Cortex-M0+"
	case 0xc21:
		part = "Cortex-M1"
	case 0xc23:
		part = "Cortex-M3"
	case 0xc24:
		part = "Cortex-M4"
	case 0xc27:
		part = "Cortex-M7"
	case 0xd20:
		part = "Cortex-M23"
	case 0xd21:
		part = "Cortex-M33"
	}
	fpu := ""
	if pid0 == 0xc {
		fpu = "F"
	}
	return fmt.Sprintf("%s %s%s r%dp%d", vendor, part, fpu, rev, patch)
}

func GetTargetName(ctx context.Context, tmrw common.TargetMemReaderWriter) (string, error) {
	cpuid, err := tmrw.ReadTargetReg(ctx, RegCPUID)
	if err != nil {
		return "", errors.Annotatef(err, "failed to get CPUID")
	}
	pid0, err := tmrw.ReadTargetReg(ctx, RegPID0)
	if err != nil {
		return "", errors.Annotatef(err, "failed to get PID0")
	}
	return TargetName(cpuid, pid0), nil
}

func (r CortexRegFile) String() string {
	return fmt.Sprintf(
		"[R0=0x%x R1=0x%x R2=0x%x R3=0x%x R4=0x%x R5=0x%x R6=0x%x R7=0x%x "+
			"R8=0x%x R9=0x%x R10=0x%x R11=0x%x R12=0x%x SP=0x%x LR=0x%x PC=0x%x xPSR=0x%x MSP=0x%x PSP=0x%x]",
		r.R[0], r.R[1], r.R[2], r.R[3], r.R[4], r.R[5], r.R[6], r.R[7], r.R[8], r.R[9], r.R[10], r.R[11], r.R[12],
		r.R[SP], r.R[LR], r.R[PC], r.XPSR, r.MSP, r.PSP)
}
