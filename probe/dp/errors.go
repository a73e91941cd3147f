package dp

import (
	"fmt"

	"github.com/juju/errors"

	"github.com/mongoose-os/swdbg/probe/dap"
)

type TransferErrorKind int

const (
	// TransferFault: the target responded with a FAULT ack.
	// Transient on some targets (e.g. powering-up debug logic), retryable
	// only where a polling loop explicitly expects it.
	TransferFault TransferErrorKind = iota
	// TransferTimeout: the target kept responding WAIT until the probe's
	// retry budget ran out.
	TransferTimeout
	// TransferOther: protocol-level or value-mismatch error, never retryable.
	TransferOther
)

func (k TransferErrorKind) String() string {
	switch k {
	case TransferFault:
		return "fault"
	case TransferTimeout:
		return "timeout"
	}
	return "other"
}

// TransferError is returned for failed DP/AP register transfers.
type TransferError struct {
	Kind TransferErrorKind
	AP   bool
	Reg  uint8
	St   dap.TransferStatus
}

func (e *TransferError) Error() string {
	kind := "DP"
	if e.AP {
		kind = "AP"
	}
	return fmt.Sprintf("%s reg 0x%02x transfer %s (st 0x%02x)", kind, e.Reg, e.Kind, uint8(e.St))
}

func newTransferError(st dap.TransferStatus, ap bool, reg uint8) *TransferError {
	kind := TransferOther
	switch {
	case st.SWDError() || st.ValueMismatch():
		kind = TransferOther
	case st.AckValue() == dap.AckFault:
		kind = TransferFault
	case st.AckValue() == dap.AckWait:
		kind = TransferTimeout
	}
	return &TransferError{Kind: kind, AP: ap, Reg: reg, St: st}
}

func transferErrorKind(err error) (TransferErrorKind, bool) {
	te, ok := errors.Cause(err).(*TransferError)
	if !ok {
		return TransferOther, false
	}
	return te.Kind, true
}

// IsTransferFault reports whether err is a FAULT-ack transfer error,
// looking through juju/errors annotation chains.
func IsTransferFault(err error) bool {
	k, ok := transferErrorKind(err)
	return ok && k == TransferFault
}

// IsTransferTimeout reports whether err is a WAIT-exhausted transfer error.
func IsTransferTimeout(err error) bool {
	k, ok := transferErrorKind(err)
	return ok && k == TransferTimeout
}
