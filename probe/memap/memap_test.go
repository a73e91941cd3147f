package memap

import (
	"bytes"
	"context"
	"reflect"
	"testing"

	"github.com/mongoose-os/swdbg/probe/dp"
)

// fakeDP models enough of a MEM-AP behind the DP: a TAR register and a DRW
// window into word-addressed memory with autoincrement.
type fakeDP struct {
	dp.DPClient
	mem    map[uint32]uint32
	regs   map[uint8]uint32
	tar    uint32
	chunks []int // lengths of the multi-word transfers seen
}

func newFakeDP() *fakeDP {
	return &fakeDP{mem: make(map[uint32]uint32), regs: make(map[uint8]uint32)}
}

func (f *fakeDP) ReadAPReg(ctx context.Context, apSel, apReg uint8) (uint32, error) {
	if apReg == uint8(DRW) {
		v := f.mem[f.tar]
		f.tar += 4
		return v, nil
	}
	return f.regs[apReg], nil
}

func (f *fakeDP) WriteAPReg(ctx context.Context, apSel, apReg uint8, value uint32) error {
	if apReg == uint8(TAR) {
		f.tar = value
	}
	f.regs[apReg] = value
	return nil
}

func (f *fakeDP) ReadAPRegMulti(ctx context.Context, apSel, apReg uint8, length int) ([]uint32, error) {
	f.chunks = append(f.chunks, length)
	res := make([]uint32, length)
	for i := range res {
		v, err := f.ReadAPReg(ctx, apSel, apReg)
		if err != nil {
			return nil, err
		}
		res[i] = v
	}
	return res, nil
}

func (f *fakeDP) WriteAPRegMulti(ctx context.Context, apSel, apReg uint8, values []uint32) error {
	f.chunks = append(f.chunks, len(values))
	for _, v := range values {
		if apReg == uint8(DRW) {
			f.mem[f.tar] = v
			f.tar += 4
		}
	}
	return nil
}

func TestReadTargetMemBytesUnaligned(t *testing.T) {
	ctx := context.Background()
	fdp := newFakeDP()
	fdp.mem[0x1000] = 0x03020100
	fdp.mem[0x1004] = 0x07060504
	fdp.mem[0x1008] = 0x0B0A0908
	mapc := NewMemAPClient(fdp, 0)

	data, err := mapc.ReadTargetMemBytes(ctx, 0x1002, 5)
	if err != nil {
		t.Fatalf("ReadTargetMemBytes: %s", err)
	}
	if want := []byte{0x02, 0x03, 0x04, 0x05, 0x06}; !bytes.Equal(data, want) {
		t.Errorf("got % x, want % x", data, want)
	}
	if data, err = mapc.ReadTargetMemBytes(ctx, 0x1000, 0); err != nil || data != nil {
		t.Errorf("zero-length read: got %v, %v", data, err)
	}
}

func TestReadTargetMemChunking(t *testing.T) {
	ctx := context.Background()
	fdp := newFakeDP()
	for i := uint32(0); i < 0x420; i += 4 {
		fdp.mem[0x3E0+i] = i
	}
	mapc := NewMemAPClient(fdp, 0)

	// 0x3E0..0x400 is 8 words, then the autoincrement boundary.
	values, err := mapc.ReadTargetMem(ctx, 0x3E0, 0x108)
	if err != nil {
		t.Fatalf("ReadTargetMem: %s", err)
	}
	if len(values) != 0x108 {
		t.Fatalf("got %d words", len(values))
	}
	for i, v := range values {
		if v != uint32(i*4) {
			t.Fatalf("word %d: got 0x%x, want 0x%x", i, v, i*4)
		}
	}
	if want := []int{8, 0x100}; !reflect.DeepEqual(fdp.chunks, want) {
		t.Errorf("transfer chunks: got %v, want %v", fdp.chunks, want)
	}

	if _, err := mapc.ReadTargetMem(ctx, 0x3E2, 1); err == nil {
		t.Errorf("unaligned word read must fail")
	}
}

func TestInitAndNonSecure(t *testing.T) {
	ctx := context.Background()
	fdp := newFakeDP()
	mapc := NewMemAPClient(fdp, 1)

	if err := mapc.Init(ctx); err == nil {
		t.Fatalf("init of a disabled AP must fail")
	}
	fdp.regs[uint8(CSW)] = CSW_DeviceEn
	if err := mapc.Init(ctx); err != nil {
		t.Fatalf("Init: %s", err)
	}
	if got := fdp.regs[uint8(CSW)]; got != 0x23000052 {
		t.Errorf("CSW after init: got 0x%08x", got)
	}

	if err := mapc.SetNonSecure(ctx, true); err != nil {
		t.Fatalf("SetNonSecure: %s", err)
	}
	if got := fdp.regs[uint8(CSW)]; got != 0x23000052|CSW_HNONSEC {
		t.Errorf("CSW with HNONSEC: got 0x%08x", got)
	}
	if err := mapc.SetNonSecure(ctx, false); err != nil {
		t.Fatalf("SetNonSecure: %s", err)
	}
	if got := fdp.regs[uint8(CSW)]; got != 0x23000052 {
		t.Errorf("CSW after clearing HNONSEC: got 0x%08x", got)
	}
}
