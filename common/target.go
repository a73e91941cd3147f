package common

import (
	"context"
)

type TargetMemReader interface {
	// ReadTargetReg reads a single 32-bit word from the target (handy for reading registers).
	ReadTargetReg(ctx context.Context, addr uint32) (uint32, error)
	// ReadTargetMem reads length words at the specified address in the target's memory.
	// addr must be word-aligned.
	ReadTargetMem(ctx context.Context, addr uint32, length int) ([]uint32, error)
	// ReadTargetMemBytes reads length bytes at the specified address.
	// Neither addr nor length needs to be word-aligned.
	ReadTargetMemBytes(ctx context.Context, addr uint32, length int) ([]byte, error)
}

type TargetMemWriter interface {
	// WriteTargetReg writes a single 32-bit word to the target.
	WriteTargetReg(ctx context.Context, addr uint32, value uint32) error
	// WriteTargetMem writes data at the specified address to the target's memory.
	// addr must be word-aligned.
	WriteTargetMem(ctx context.Context, addr uint32, data []uint32) error
}

type TargetMemReaderWriter interface {
	TargetMemReader
	TargetMemWriter
}
