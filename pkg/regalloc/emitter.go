package regalloc

import "github.com/raymyers/ralph-ra/pkg/lir"

// Emitter materializes the allocator's requests as code. Every call either
// succeeds or returns an error that aborts allocation; the allocator never
// retries.
type Emitter interface {
	// EmitMove copies workID from srcPhysID into dstPhysID
	EmitMove(workID lir.WorkID, dstPhysID, srcPhysID lir.PhysID) error
	// EmitSwap exchanges the contents of two registers
	EmitSwap(aWorkID lir.WorkID, aPhysID lir.PhysID, bWorkID lir.WorkID, bPhysID lir.PhysID) error
	// EmitLoad loads workID from its spill slot
	EmitLoad(workID lir.WorkID, physID lir.PhysID) error
	// EmitSave stores workID to its spill slot
	EmitSave(workID lir.WorkID, physID lir.PhysID) error
	// EmitInst encodes the instruction once all TiedReg.PhysID are resolved
	EmitInst(inst *lir.Inst) error
	// EnterEdge redirects emission into out-of-line code that runs only when
	// inst branches to target; the branch must be patched to reach it.
	EnterEdge(inst *lir.Inst, target lir.BlockID) error
	// LeaveEdge ends out-of-line code with a jump to target
	LeaveEdge(target lir.BlockID) error
}

// BlockEmitter is implemented by emitters that want to know where blocks
// start, typically to bind labels.
type BlockEmitter interface {
	BeginBlock(b *lir.Block) error
}
