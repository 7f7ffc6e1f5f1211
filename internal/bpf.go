package internal

import (
	"fmt"

	"golang.org/x/net/bpf"
)

// SrcPortFilter assembles a classic-BPF program matching IP packets whose
// transport source port equals port. The program is handed to raw outer
// sockets as opaque filter bytes; it assumes the descriptor sees packets
// starting at the IP header.
func SrcPortFilter(port uint16) ([]bpf.RawInstruction, error) {
	prog := []bpf.Instruction{
		// X <- IP header length.
		bpf.LoadMemShift{Off: 0},
		// A <- source port, first transport half-word.
		bpf.LoadIndirect{Off: 0, Size: 2},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: uint32(port), SkipTrue: 0, SkipFalse: 1},
		bpf.RetConstant{Val: 0xffff},
		bpf.RetConstant{Val: 0},
	}
	raw, err := bpf.Assemble(prog)
	if err != nil {
		return nil, fmt.Errorf("assemble src-port filter: %w", err)
	}
	return raw, nil
}
