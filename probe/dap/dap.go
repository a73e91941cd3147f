package dap

import (
	"bytes"
	"context"
	"time"
)

// DAPClient talks to a CMSIS-DAP debug probe.
// https://arm-software.github.io/CMSIS_5/DAP/html/group__DAP__Commands__gr.html
type DAPClient interface {
	GetInfo(ctx context.Context, info uint8) (*bytes.Buffer, error)
	GetVendorID(ctx context.Context) (string, error)
	GetProductID(ctx context.Context) (string, error)
	GetSerialNumber(ctx context.Context) (string, error)
	GetFirmwareVersion(ctx context.Context) (string, error)
	GetTargetVendor(ctx context.Context) (string, error)
	GetTargetName(ctx context.Context) (string, error)

	SetHostStatus(ctx context.Context, st StatusType, value bool) error
	Connect(ctx context.Context, mode ConnectMode) error
	Disconnect(ctx context.Context) error
	TransferConfigure(ctx context.Context, idleCycles uint8, waitRetry uint16, matchRetry uint16) error
	Transfer(ctx context.Context, dapIndex uint8, reqs []TransferRequest) (TransferStatus, []uint32, error)
	GetTransferBlockMaxSize() int
	TransferBlockRead(ctx context.Context, dapIndex uint8, ap bool, reg uint8, length int) ([]uint32, error)
	TransferBlockWrite(ctx context.Context, dapIndex uint8, ap bool, reg uint8, data []uint32) error
	Delay(ctx context.Context, delay time.Duration) error
	ResetTarget(ctx context.Context) error
	SWJClock(ctx context.Context, clockHz uint32) error
	SWJSequence(ctx context.Context, numBits int, data []uint8) error
	SWDConfigure(ctx context.Context, config uint8) error

	Close(ctx context.Context) error
}

type StatusType uint8

const (
	StatusConnected StatusType = 0x00
	StatusRunning   StatusType = 0x01
)

type ConnectMode uint8

const (
	ConnectModeAuto ConnectMode = 0x00
	ConnectModeSWD  ConnectMode = 0x01
	ConnectModeJTAG ConnectMode = 0x02
)

type TransferOp uint8

const (
	OpRead       TransferOp = 0
	OpReadMatch  TransferOp = 1
	OpWrite      TransferOp = 2
	OpWriteMatch TransferOp = 3
)

type TransferRequest struct {
	Op   TransferOp
	AP   bool
	Reg  uint8
	Data uint32
}

// TransferStatus is the response byte of a Transfer command:
// SWD ack in the low 3 bits plus protocol error and value mismatch flags.
type TransferStatus uint8

const (
	AckOK    uint8 = 1
	AckWait  uint8 = 2
	AckFault uint8 = 4

	TransferStatusWait TransferStatus = TransferStatus(AckWait)
)

func (ts TransferStatus) Ok() bool {
	return ts.AckValue() == AckOK && !ts.SWDError() && !ts.ValueMismatch()
}

func (ts TransferStatus) AckValue() uint8 {
	return uint8(ts & 7)
}

func (ts TransferStatus) SWDError() bool {
	return ts&8 != 0
}

func (ts TransferStatus) ValueMismatch() bool {
	return ts&0x10 != 0
}
