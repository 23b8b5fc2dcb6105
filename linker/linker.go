// Package linker assembles per-function instruction lists produced by a
// front-end (out of this module's scope) into one flat segment.Image Code
// Segment: resolving branch-label operands into absolute addresses,
// synthesising a body for declarations a front-end left empty, running the
// peephole optimizer, inserting callee-saved register spills, and
// rewriting `calls` into `jsr` once every address is fixed (§4.7).
package linker

import (
	"fmt"

	"github.com/wudi/corevm/opcodes"
	"github.com/wudi/corevm/optimizer"
	"github.com/wudi/corevm/segment"
)

// Unit is one function body as handed to the linker: Instructions'
// KindLabel operands carry an index into Instructions (the target
// instruction), not yet an absolute Code Segment address — linkFunction
// resolves that once every earlier instruction's final size is known.
//
// A Unit whose Instructions is empty is a declaration the front-end left
// for the linker to complete (§4.7.1's linkFunction stub generation): at
// most one of Cofunc/RelocSource/BaseMethod/BaseDelegate should describe
// what it stands for. A Unit with a non-empty Instructions ignores all
// four fields.
type Unit struct {
	FunctionID  int32
	ArgCount    int32
	OwnerType   int32
	MemberIndex int32 // v-table slot this function fills, -1 if none
	Name        string

	Instructions []*opcodes.Instruction

	Cofunc       bool  // coroutine entry point: body is "yield; loop"
	RelocSource  int32 // FunctionID of the base-class Unit to relocate a copy of, or -1
	BaseMethod   int32 // base-class function id to jmp straight into (pure inheritance), or -1
	BaseDelegate int32 // instance member slot holding a delegate to forward every call to, or -1
}

// Linker accumulates one program image across successive linkFunction
// calls, mirroring the incremental-image model §6.2 describes for
// initVM-driven loading.
type Linker struct {
	Image *segment.Image

	// Warnings collects one message per stub the linker had to complete
	// itself or relocated body it judged unsafe, standing in for the
	// teacher's EmitWarning diagnostics channel (§4.7.1). A host can
	// surface these however it logs; the linker itself never fails
	// because of one.
	Warnings []string
}

func New(img *segment.Image) *Linker {
	return &Linker{Image: img}
}

// LinkMain links every unit, in order: first any empty-bodied Unit gets a
// synthesized stub, then each unit is optimized and has register-saving
// code inserted at its entry and before each ret, then postLink rewrites resolved
// calls, and only then is each unit laid into the Code Segment, so the
// rewrite is what actually gets encoded (§4.7.1).
func (l *Linker) LinkMain(units []*Unit) error {
	byID := make(map[int32]*Unit, len(units))
	for _, u := range units {
		byID[u.FunctionID] = u
	}

	for _, u := range units {
		if len(u.Instructions) != 0 {
			continue
		}
		body, warning, err := l.synthesizeStub(u, byID)
		if err != nil {
			return fmt.Errorf("synthesize stub for %q: %w", u.Name, err)
		}
		if warning != "" {
			l.Warnings = append(l.Warnings, warning)
		}
		u.Instructions = body
	}

	for _, u := range units {
		u.Instructions = optimizer.Optimize(u.Instructions)
		insertRegisterSaving(u)
	}

	// postLink's calls->jsr rewrite must happen before linkFunction encodes
	// and appends words to the image: linkFunction bakes each instruction's
	// current Op into the Code Segment, so rewriting Op afterward would
	// only change the in-memory Unit, not the bytes already written.
	if err := l.postLink(units); err != nil {
		return err
	}

	addrs := make(map[int32]int32, len(units))
	for _, u := range units {
		addr, err := l.linkFunction(u)
		if err != nil {
			return fmt.Errorf("link function %q: %w", u.Name, err)
		}
		addrs[u.FunctionID] = addr
	}

	return nil
}

// synthesizeStub builds a body for u, matching the teacher's JCLLinkFunction
// stub generation (§4.7.1): a coroutine entry point, a relocated copy of an
// inherited method, a direct jump into an unoverridden base method, a
// forward to a base-class delegate member, or — when none of those apply —
// a "function auto-complete" stub that just returns, with a warning since
// the declaration was never given a body.
func (l *Linker) synthesizeStub(u *Unit, byID map[int32]*Unit) ([]*opcodes.Instruction, string, error) {
	switch {
	case u.Cofunc:
		// A coroutine declared with no body yields null back to its first
		// resumer and, if resumed again, loops back to yield once more
		// rather than falling off the end with no ret.
		return []*opcodes.Instruction{
			{Op: opcodes.OpYield},
			{Op: opcodes.OpBra, Operands: [4]opcodes.Operand{{Kind: opcodes.KindLabel, A: 0}}},
		}, "", nil

	case u.RelocSource >= 0:
		src, ok := byID[u.RelocSource]
		if !ok {
			return nil, "", fmt.Errorf("relocation source function %d not found", u.RelocSource)
		}
		body := cloneInstructions(src.Instructions)
		plan := l.buildRelocationPlan(byID, src.OwnerType, u.OwnerType)
		warnings := Relocate(body, plan)
		var warning string
		if len(warnings) > 0 {
			warning = fmt.Sprintf("%q: %s", u.Name, joinWarnings(warnings))
		}
		return body, warning, nil

	case u.BaseMethod >= 0:
		// Pure inheritance, no override: tail-jump straight into the base
		// implementation, reusing the caller's own register window (§4.3's
		// OpJmp convention, no new frame opened).
		return []*opcodes.Instruction{
			{Op: opcodes.OpJmp, Operands: [4]opcodes.Operand{immOperand(u.BaseMethod)}},
		}, "", nil

	case u.BaseDelegate >= 0:
		// Forward every call to the delegate stored in the instance member
		// at slot BaseDelegate: load it into r1 (calldg's fixed delegate
		// register) and invoke it.
		return []*opcodes.Instruction{
			{Op: opcodes.OpMove, Operands: [4]opcodes.Operand{
				regOperand(1),
				{Kind: opcodes.KindRegDisp, A: 0, B: uint32(u.BaseDelegate)},
			}},
			{Op: opcodes.OpCalldg},
			{Op: opcodes.OpRet},
		}, "", nil

	default:
		return []*opcodes.Instruction{{Op: opcodes.OpRet}},
			fmt.Sprintf("function %q auto-completed: declared with no body", u.Name), nil
	}
}

func joinWarnings(warnings []string) string {
	out := warnings[0]
	for _, w := range warnings[1:] {
		out += "; " + w
	}
	return out
}

func cloneInstructions(body []*opcodes.Instruction) []*opcodes.Instruction {
	out := make([]*opcodes.Instruction, len(body))
	for i, inst := range body {
		cp := *inst
		out[i] = &cp
	}
	return out
}

func regOperand(n uint32) opcodes.Operand { return opcodes.Operand{Kind: opcodes.KindReg, A: n} }
func immOperand(n int32) opcodes.Operand  { return opcodes.Operand{Kind: opcodes.KindImmInt, A: uint32(n)} }

// buildRelocationPlan derives a RelocationPlan for inheriting dstType's
// unoverridden copy of one of srcType's methods: any calls/jsr/callm/calln
// target that belongs to srcType and has a derived override — another Unit
// sharing its v-table slot under dstType — is retargeted to that override;
// everything else is left pointing at the shared base implementation, the
// same fallback JCLLinkFunction's jmp stub uses for a method dstType never
// overrides at all.
func (l *Linker) buildRelocationPlan(byID map[int32]*Unit, srcType, dstType int32) RelocationPlan {
	overrides := make(map[int32]int32) // member index -> dstType's function id
	for _, u := range byID {
		if u.OwnerType == dstType && u.MemberIndex >= 0 {
			overrides[u.MemberIndex] = u.FunctionID
		}
	}
	plan := RelocationPlan{
		SrcType: srcType,
		DstType: dstType,
		FuncMap: map[int32]int32{},
		SlotMap: map[int32]int32{},
	}
	for _, u := range byID {
		if u.OwnerType != srcType || u.MemberIndex < 0 {
			continue
		}
		if dstFn, ok := overrides[u.MemberIndex]; ok {
			plan.FuncMap[u.FunctionID] = dstFn
			plan.SlotMap[u.MemberIndex] = dstFn
		}
	}
	return plan
}

// linkFunction resolves u's branch-label operands to absolute Code
// Segment addresses, encodes every instruction, appends the words to the
// image, and records the function's FunctionInfo entry. Returns the
// function's entry address.
func (l *Linker) linkFunction(u *Unit) (int32, error) {
	offsets := make([]int, len(u.Instructions)+1)
	for i, inst := range u.Instructions {
		size, err := opcodes.InstructionSize(inst)
		if err != nil {
			return 0, err
		}
		offsets[i+1] = offsets[i] + size
	}

	base := int32(len(l.Image.Code))
	for _, inst := range u.Instructions {
		for i := range inst.Operands {
			op := &inst.Operands[i]
			if op.Kind == opcodes.KindLabel {
				target := int(op.A)
				if target < 0 || target >= len(offsets) {
					return 0, fmt.Errorf("branch target %d out of range in %q", target, u.Name)
				}
				op.A = uint32(base) + uint32(offsets[target])
			}
		}
		words, err := opcodes.Encode(inst)
		if err != nil {
			return 0, err
		}
		l.Image.AppendCode(words...)
	}

	fi := segment.FunctionInfo{
		OwnerType:   u.OwnerType,
		CodeAddr:    base,
		CodeSize:    int32(len(l.Image.Code)) - base,
		ArgCount:    u.ArgCount,
		MemberIndex: u.MemberIndex,
		Name:        u.Name,
	}
	if int(u.FunctionID) < len(l.Image.Functions) {
		l.Image.Functions[u.FunctionID] = fi
	} else {
		l.Image.AppendFunction(fi)
	}
	return base, nil
}

// postLink rewrites every resolved `calls` into `jsr`, matching the
// teacher's own postLink step of the same name (originally "calls -> jsr,
// jmp rewrite" over PHP opcodes; here there is no operand rewrite to do
// besides the opcode substitution itself, since a calls operand is already
// a plain function id and jsr/calls decode identically).
func (l *Linker) postLink(units []*Unit) error {
	for _, u := range units {
		for _, inst := range u.Instructions {
			if inst.Op == opcodes.OpCalls {
				inst.Op = opcodes.OpJsr
			}
		}
	}
	return nil
}

// registerWritingOpcodes is every opcode whose operand 0 is a register
// destination (this module's dest-first convention, e.g. `addl r0,r0,r1`
// means r0 = r0+r1) — the set insertRegisterSaving scans to find which
// registers a function body modifies.
var registerWritingOpcodes = map[opcodes.Opcode]bool{
	opcodes.OpMove: true, opcodes.OpCopy: true, opcodes.OpWref: true,
	opcodes.OpMoveH: true, opcodes.OpCopyH: true,

	opcodes.OpAdd: true, opcodes.OpAddL: true, opcodes.OpAddF: true,
	opcodes.OpSub: true, opcodes.OpSubL: true, opcodes.OpSubF: true,
	opcodes.OpMul: true, opcodes.OpMulL: true, opcodes.OpMulF: true,
	opcodes.OpDiv: true, opcodes.OpDivL: true, opcodes.OpDivF: true,
	opcodes.OpMod: true, opcodes.OpModL: true, opcodes.OpModF: true,

	opcodes.OpNeg: true, opcodes.OpNegL: true, opcodes.OpNegF: true,
	opcodes.OpInc: true, opcodes.OpIncL: true, opcodes.OpIncF: true,
	opcodes.OpDec: true, opcodes.OpDecL: true, opcodes.OpDecF: true,

	opcodes.OpAnd: true, opcodes.OpOr: true, opcodes.OpXor: true,
	opcodes.OpBwNot: true, opcodes.OpAsl: true, opcodes.OpAsr: true,
	opcodes.OpLsl: true, opcodes.OpLsr: true,

	opcodes.OpCsEq: true, opcodes.OpCsEqL: true, opcodes.OpCsEqF: true,
	opcodes.OpCsNe: true, opcodes.OpCsNeL: true, opcodes.OpCsNeF: true,
	opcodes.OpCsGt: true, opcodes.OpCsGtL: true, opcodes.OpCsGtF: true,
	opcodes.OpCsGe: true, opcodes.OpCsGeL: true, opcodes.OpCsGeF: true,
	opcodes.OpCsLt: true, opcodes.OpCsLtL: true, opcodes.OpCsLtF: true,
	opcodes.OpCsLe: true, opcodes.OpCsLeL: true, opcodes.OpCsLeF: true,
	opcodes.OpStrEq: true, opcodes.OpStrNe: true, opcodes.OpCmpRef: true,
	opcodes.OpSnul: true, opcodes.OpSnnul: true,

	opcodes.OpSize: true, opcodes.OpType: true, opcodes.OpRtChk: true,
	opcodes.OpDcvt: true, opcodes.OpCvf: true, opcodes.OpCvl: true,
}

// modifiedRegisters returns every register index a function body writes
// directly (not through a RegDisp/StackDisp/RegIdx addressing mode, which
// target a member or stack slot rather than the register file itself).
func modifiedRegisters(body []*opcodes.Instruction) map[int]bool {
	mods := make(map[int]bool)
	for _, inst := range body {
		if inst.Op == opcodes.OpPopR {
			first := int(inst.Operands[0].A)
			count := int(inst.Operands[0].B)
			for r := first; r < first+count; r++ {
				mods[r] = true
			}
			continue
		}
		if !registerWritingOpcodes[inst.Op] {
			continue
		}
		op := inst.Operands[0]
		if op.Kind == opcodes.KindReg {
			mods[int(op.A)] = true
		}
	}
	return mods
}

// callerSavedRun finds the contiguous run of caller-visible registers (r0-r2
// are reserved for `this`/return, the calldg delegate slot, and args-in-
// flight, so saving starts at r3) a body modifies, since pushr/popr only
// ever save a contiguous range in one instruction.
func callerSavedRun(mods map[int]bool) (first, count int) {
	max := 2
	for r := range mods {
		if r > max {
			max = r
		}
	}
	if max < 3 {
		return 0, 0
	}
	return 3, max - 3 + 1
}

// fixStackDisplacements shifts every KindStackDisp operand addressing a
// slot beyond the register window (op.A >= argCount) by shift words: once
// insertRegisterSaving prepends a pushr at the function's entry, anything
// the body itself later pushes onto the data stack (addressed relative to
// the frame's fixed StackBase) now sits `shift` slots further along
// (§4.7.1's FixStackOffsetsInBranch, simplified to this module's
// frame-base-relative stack addressing rather than a moving SP).
func fixStackDisplacements(body []*opcodes.Instruction, argCount, shift int32) {
	for _, inst := range body {
		for i := range inst.Operands {
			op := &inst.Operands[i]
			if op.Kind == opcodes.KindStackDisp && int32(op.A) >= argCount {
				op.A = uint32(int32(op.A) + shift)
			}
		}
	}
}

// insertRegisterSaving prepends a `pushr r3-rN` to u's body and a matching
// `popr r3-rN` before every `ret`, where N is the highest register the body
// ever modifies, so a caller's own r3-and-up values survive across the
// call without every function needing to hand-write its own spill code
// (§4.7.1's InsertRegisterSaving). A body that never touches r3 or above is
// left untouched.
func insertRegisterSaving(u *Unit) {
	mods := modifiedRegisters(u.Instructions)
	first, count := callerSavedRun(mods)
	if count == 0 {
		return
	}

	fixStackDisplacements(u.Instructions, u.ArgCount, int32(count))

	save := &opcodes.Instruction{Op: opcodes.OpPushR, Operands: [4]opcodes.Operand{
		{Kind: opcodes.KindRegRange, A: uint32(first), B: uint32(count)},
	}}
	restoreTemplate := opcodes.Instruction{Op: opcodes.OpPopR, Operands: [4]opcodes.Operand{
		{Kind: opcodes.KindRegRange, A: uint32(first), B: uint32(count)},
	}}

	out := make([]*opcodes.Instruction, 0, len(u.Instructions)+count+1)
	out = append(out, save)
	for _, inst := range u.Instructions {
		if inst.Op == opcodes.OpRet {
			restoreCopy := restoreTemplate
			out = append(out, &restoreCopy)
		}
		out = append(out, inst)
	}
	u.Instructions = out
}

// RelocationPlan describes how an inherited method's body must be rewritten
// to execute correctly as a derived class's own method (§4.7.1's
// RelocateFunction).
type RelocationPlan struct {
	SrcType, DstType int32
	VarOffset        int32           // added to every (r0+d) member displacement reached through r0
	FuncMap          map[int32]int32 // base calls/jsr target -> derived override
	SlotMap          map[int32]int32 // base v-table slot -> derived override, for callm/calln
}

// Relocate rewrites body in place per plan (§4.7.1's relocate step for
// inheritance): every ot_type-style operand naming plan.SrcType is
// retargeted to plan.DstType, callm/calln dispatches through plan.SlotMap
// and calls/jsr targets through plan.FuncMap redirect to the derived
// override when one exists, and every (r0+d) member access gets
// plan.VarOffset added to its displacement. It returns one warning string
// per instruction that moves r0 directly into a register other than r1:
// a caller of the relocated body may be holding a raw `this` obtained
// before relocation, so aliasing r0 anywhere but the reserved r1 slot is
// unsafe once member offsets have shifted.
func Relocate(body []*opcodes.Instruction, plan RelocationPlan) []string {
	var warnings []string
	for _, inst := range body {
		if movesThisRef(inst) {
			warnings = append(warnings, fmt.Sprintf("unsafe this operation in relocated %s", inst.Op))
		}

		switch inst.Op {
		case opcodes.OpCallm, opcodes.OpCalln:
			if inst.Operands[0].Kind == opcodes.KindImmType && int32(inst.Operands[0].A) == plan.SrcType {
				if fn, ok := plan.SlotMap[int32(inst.Operands[1].A)]; ok {
					inst.Operands[1].A = uint32(fn)
				}
				inst.Operands[0].A = uint32(plan.DstType)
			}
			continue

		case opcodes.OpCalls, opcodes.OpJsr:
			if fn, ok := plan.FuncMap[int32(inst.Operands[0].A)]; ok {
				inst.Operands[0].A = uint32(fn)
			}
			continue
		}

		for i := range inst.Operands {
			op := &inst.Operands[i]
			switch op.Kind {
			case opcodes.KindImmType:
				if int32(op.A) == plan.SrcType {
					op.A = uint32(plan.DstType)
				}
			case opcodes.KindRegDisp:
				if op.A == 0 && plan.VarOffset != 0 {
					op.B = uint32(int32(op.B) + plan.VarOffset)
				}
			}
		}
	}
	return warnings
}

// movesThisRef reports whether inst moves/copies/wrefs r0 (the `this`
// handle) directly into a register other than r1, the one slot a relocated
// body's callers are expected to tolerate aliasing (calldg's fixed
// delegate register, which any such body overwrites immediately anyway).
func movesThisRef(inst *opcodes.Instruction) bool {
	switch inst.Op {
	case opcodes.OpMove, opcodes.OpCopy, opcodes.OpWref:
	default:
		return false
	}
	src := inst.Operands[1]
	if src.Kind != opcodes.KindReg || src.A != 0 {
		return false
	}
	dst := inst.Operands[0]
	return dst.Kind != opcodes.KindReg || dst.A != 1
}
