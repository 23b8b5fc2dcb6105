// Package optimizer implements the link-time peephole optimizer (§4.7.2),
// run on each function before its labels are resolved to addresses:
// eight passes that each look at a small, fixed-size window of
// instructions and rewrite it to something cheaper with identical
// observable behaviour. Passes run in a fixed order, repeated until a full
// round makes no change or an iteration cap is hit, since later passes
// routinely expose new opportunities for earlier ones (e.g. OperationAndMove
// folding a temp copy away can make TempRegCopying's next pass redundant
// copy visible).
package optimizer

import (
	"github.com/wudi/corevm/opcodes"
)

const maxIterations = 8

// Stats reports what each pass did, for a host's `disasm -O` style report.
type Stats struct {
	OriginalSize  int
	OptimizedSize int
	Iterations    int
	PassHits      map[string]int
}

// pass is one peephole rewrite; it returns a possibly-shorter slice and
// whether it changed anything.
type pass struct {
	name string
	run  func([]*opcodes.Instruction) ([]*opcodes.Instruction, bool)
}

var passes = []pass{
	{"CombinePushPop", combinePushPop},
	{"MoveOperations", moveOperations},
	{"TempRegCopying", tempRegCopying},
	{"MathOperations", mathOperations},
	{"CompareOperations", compareOperations},
	{"OperationAndMove", operationAndMove},
	{"RegisterReplacing", registerReplacing},
	{"RegisterSaving", registerSaving},
}

// Optimize runs every pass, in order, against instrs and returns the
// optimized list. Passes may rewrite instructions of instrs in place and
// return a shorter slice, so the caller must use the returned slice (the
// linker reassigns Unit.Instructions from it).
func Optimize(instrs []*opcodes.Instruction) []*opcodes.Instruction {
	result, _ := OptimizeWithStats(instrs)
	return result
}

// OptimizeWithStats runs every pass to a fixpoint (or maxIterations,
// whichever comes first) and reports what fired.
func OptimizeWithStats(instrs []*opcodes.Instruction) ([]*opcodes.Instruction, Stats) {
	stats := Stats{OriginalSize: len(instrs), PassHits: make(map[string]int)}
	cur := instrs
	for iter := 0; iter < maxIterations; iter++ {
		stats.Iterations++
		changedThisRound := false
		for _, p := range passes {
			next, changed := p.run(cur)
			if changed {
				stats.PassHits[p.name]++
				changedThisRound = true
			}
			cur = next
		}
		if !changedThisRound {
			break
		}
	}
	stats.OptimizedSize = len(cur)
	return cur, stats
}

// deleteAt removes instrs[i], rewriting every KindLabel operand elsewhere
// in the list so branch targets still point at the same logical
// instruction (§4.7.2's branch-target-preserving requirement). Callers
// must ensure no label targets i itself.
func deleteAt(instrs []*opcodes.Instruction, i int) []*opcodes.Instruction {
	for _, inst := range instrs {
		for k := range inst.Operands {
			op := &inst.Operands[k]
			if op.Kind == opcodes.KindLabel && int(op.A) > i {
				op.A--
			}
		}
	}
	out := make([]*opcodes.Instruction, 0, len(instrs)-1)
	out = append(out, instrs[:i]...)
	out = append(out, instrs[i+1:]...)
	return out
}

// replaceAt substitutes instrs[i] with repl; since the instruction count
// doesn't change, no label renumbering is needed.
func replaceAt(instrs []*opcodes.Instruction, i int, repl *opcodes.Instruction) {
	instrs[i] = repl
}

// targetsOf returns true if any instruction's label operand targets index i
// (used to check it's safe to delete/merge instruction i).
func targetsOf(instrs []*opcodes.Instruction, i int) bool {
	for _, inst := range instrs {
		for _, op := range inst.Operands {
			if op.Kind == opcodes.KindLabel && int(op.A) == i {
				return true
			}
		}
	}
	return false
}

func regOperand(op opcodes.Operand) (int, bool) {
	if op.Kind == opcodes.KindReg {
		return int(op.A), true
	}
	return 0, false
}

// usesReg reports whether inst reads or writes register r in any operand.
func usesReg(inst *opcodes.Instruction, r int) bool {
	info, err := opcodes.InstructionInfo(inst.Op)
	if err != nil {
		return true // unknown shape: assume it does, stay conservative
	}
	for i := 0; i < info.NumOperands; i++ {
		if reg, ok := regOperand(inst.Operands[i]); ok && reg == r {
			return true
		}
	}
	return false
}

// combinePushPop merges a consecutive run of `pushm`/`popm` into a single
// instruction carrying the summed count (`pushm a; pushm b` -> `pushm
// a+b`), stopping the run at the first instruction a branch targets (its
// identity as a jump destination must survive). Plain single-value `push`/
// `pop` are left alone — only the already-explicit n-at-a-time forms are
// combinable without inspecting what each pushed value actually is.
func combinePushPop(instrs []*opcodes.Instruction) ([]*opcodes.Instruction, bool) {
	for i := 0; i < len(instrs); i++ {
		op := instrs[i].Op
		if op != opcodes.OpPushM && op != opcodes.OpPopM {
			continue
		}
		sum := instrs[i].Operands[0].A
		j := i + 1
		for j < len(instrs) && instrs[j].Op == op && !targetsOf(instrs, j) {
			sum += instrs[j].Operands[0].A
			j++
		}
		if j == i+1 {
			continue
		}
		replaceAt(instrs, i, &opcodes.Instruction{Op: op, Operands: [4]opcodes.Operand{{Kind: opcodes.KindImmInt, A: sum}}})
		out := instrs
		for k := i + 1; k < j; k++ {
			out = deleteAt(out, i+1)
		}
		return out, true
	}
	return instrs, false
}

// moveOperations removes a self-move (`move r, r`), which has no
// observable effect beyond burning a cycle. A self-copy (`copy r, r`) is
// kept: it is the deep-copy marker tempRegCopying consumes.
func moveOperations(instrs []*opcodes.Instruction) ([]*opcodes.Instruction, bool) {
	for i, inst := range instrs {
		if inst.Op != opcodes.OpMove {
			continue
		}
		dst, dok := regOperand(inst.Operands[0])
		src, sok := regOperand(inst.Operands[1])
		if dok && sok && dst == src && !targetsOf(instrs, i) {
			return deleteAt(instrs, i), true
		}
	}
	return instrs, false
}

// tempRegCopying recognises the front-end's idiom for "stage a value, then
// deep-copy it": `move rn, SRC` immediately followed by `copy rn, rn` (a
// self-copy that only exists to mark rn as needing copy semantics). The
// pair becomes a single `copy rn, SRC`, and the marker instruction is
// deleted.
func tempRegCopying(instrs []*opcodes.Instruction) ([]*opcodes.Instruction, bool) {
	for i := 0; i+1 < len(instrs); i++ {
		mv, cp := instrs[i], instrs[i+1]
		if mv.Op != opcodes.OpMove || cp.Op != opcodes.OpCopy {
			continue
		}
		rn, ok1 := regOperand(mv.Operands[0])
		cpDst, ok2 := regOperand(cp.Operands[0])
		cpSrc, ok3 := regOperand(cp.Operands[1])
		if !ok1 || !ok2 || !ok3 || rn != cpDst || rn != cpSrc {
			continue
		}
		if targetsOf(instrs, i+1) {
			continue
		}
		replaceAt(instrs, i, &opcodes.Instruction{Op: opcodes.OpCopy, Operands: [4]opcodes.Operand{mv.Operands[0], mv.Operands[1]}})
		return deleteAt(instrs, i+1), true
	}
	return instrs, false
}

func regUsedAfter(instrs []*opcodes.Instruction, from, r int) bool {
	for i := from; i < len(instrs); i++ {
		if usesReg(instrs[i], r) {
			return true
		}
	}
	return false
}

// mathOperations folds a temp-register setup move directly into whichever
// source slot of the following arithmetic op reads that temp: `move rn,
// SRC` + `addl dst, rn, rm` becomes `addl dst, SRC, rm` (generic, `-l` and
// `-f` families all eligible — this module has no string/array arithmetic
// opcodes to extend the fold to). The move is only removed when rn is dead
// afterwards, so the fold never changes what a later instruction reads.
func mathOperations(instrs []*opcodes.Instruction) ([]*opcodes.Instruction, bool) {
	for i := 0; i+1 < len(instrs); i++ {
		mv, op := instrs[i], instrs[i+1]
		if mv.Op != opcodes.OpMove || !isMathOp(op.Op) {
			continue
		}
		t, ok := regOperand(mv.Operands[0])
		if !ok || targetsOf(instrs, i+1) {
			continue
		}
		pos := -1
		for k := 1; k <= 2; k++ {
			if r, rok := regOperand(op.Operands[k]); rok && r == t {
				pos = k
				break
			}
		}
		if pos < 0 {
			continue
		}
		if regUsedAfter(instrs, i+2, t) {
			continue
		}
		op.Operands[pos] = mv.Operands[1]
		return deleteAt(instrs, i), true
	}
	return instrs, false
}

func isMathOp(op opcodes.Opcode) bool {
	switch op {
	case opcodes.OpAdd, opcodes.OpAddL, opcodes.OpAddF,
		opcodes.OpSub, opcodes.OpSubL, opcodes.OpSubF,
		opcodes.OpMul, opcodes.OpMulL, opcodes.OpMulF,
		opcodes.OpDiv, opcodes.OpDivL, opcodes.OpDivF,
		opcodes.OpMod, opcodes.OpModL, opcodes.OpModF:
		return true
	default:
		return false
	}
}

// compareOperations recognises two temp-register setup moves immediately
// followed by a register-register compare reading exactly those temps —
// `move t1, SRC1; move t2, SRC2; cmp dst, t1, t2` — and removes the second
// move by having the compare read SRC2 directly: `move t1, SRC1; cmp dst,
// t1, SRC2`. The first move stays; folding both away at once would let the
// compare observe SRC1/SRC2 in a different relative order than before, so
// the pass only ever removes the second setup and only when neither move's
// source reads the other's destination register (operand independence).
func compareOperations(instrs []*opcodes.Instruction) ([]*opcodes.Instruction, bool) {
	for i := 0; i+2 < len(instrs); i++ {
		m1, m2, cmp := instrs[i], instrs[i+1], instrs[i+2]
		if m1.Op != opcodes.OpMove || m2.Op != opcodes.OpMove || !isComparisonOp(cmp.Op) {
			continue
		}
		t1, ok1 := regOperand(m1.Operands[0])
		t2, ok2 := regOperand(m2.Operands[0])
		if !ok1 || !ok2 || t1 == t2 {
			continue
		}
		a, oka := regOperand(cmp.Operands[1])
		b, okb := regOperand(cmp.Operands[2])
		if !oka || !okb || a != t1 || b != t2 {
			continue
		}
		if targetsOf(instrs, i+1) || targetsOf(instrs, i+2) {
			continue
		}
		if readsReg(m1.Operands[1], t2) || readsReg(m2.Operands[1], t1) {
			continue
		}
		if regUsedAfter(instrs, i+3, t2) {
			continue
		}
		cmp.Operands[2] = m2.Operands[1]
		return deleteAt(instrs, i+1), true
	}
	return instrs, false
}

func readsReg(op opcodes.Operand, r int) bool {
	return op.Kind == opcodes.KindReg && int(op.A) == r
}

func isComparisonOp(op opcodes.Opcode) bool {
	switch op {
	case opcodes.OpCsEq, opcodes.OpCsEqL, opcodes.OpCsEqF,
		opcodes.OpCsNe, opcodes.OpCsNeL, opcodes.OpCsNeF,
		opcodes.OpCsGt, opcodes.OpCsGtL, opcodes.OpCsGtF,
		opcodes.OpCsGe, opcodes.OpCsGeL, opcodes.OpCsGeF,
		opcodes.OpCsLt, opcodes.OpCsLtL, opcodes.OpCsLtF,
		opcodes.OpCsLe, opcodes.OpCsLeL, opcodes.OpCsLeF:
		return true
	default:
		return false
	}
}

// operationAndMove folds `<op> t, a, b; move dst, t` into `<op> dst, a, b`
// when t is dead after the move, saving one instruction and one register
// write per arithmetic result that is only ever forwarded.
func operationAndMove(instrs []*opcodes.Instruction) ([]*opcodes.Instruction, bool) {
	for i := 0; i+1 < len(instrs); i++ {
		op, mv := instrs[i], instrs[i+1]
		if mv.Op != opcodes.OpMove {
			continue
		}
		if _, ok := writableOperand(op); !ok {
			continue
		}
		t, ok1 := regOperand(op.Operands[0])
		t2, ok2 := regOperand(mv.Operands[1])
		if !ok1 || !ok2 || t != t2 || targetsOf(instrs, i+1) {
			continue
		}
		if regUsedAfter(instrs, i+2, t) {
			continue
		}
		op.Operands[0] = mv.Operands[0]
		return deleteAt(instrs, i+1), true
	}
	return instrs, false
}

// registerReplacing eliminates a copy `move dst, src` when src is never
// written again before its next use and dst is never written again either
// — the two registers are interchangeable, so every later read of dst is
// rewritten to read src instead and the copy itself is deleted.
func registerReplacing(instrs []*opcodes.Instruction) ([]*opcodes.Instruction, bool) {
	for i, inst := range instrs {
		if inst.Op != opcodes.OpMove {
			continue
		}
		dst, dok := regOperand(inst.Operands[0])
		src, sok := regOperand(inst.Operands[1])
		if !dok || !sok || targetsOf(instrs, i) {
			continue
		}
		if writesReg(instrs[i+1:], dst) || writesReg(instrs[i+1:], src) {
			continue
		}
		for j := i + 1; j < len(instrs); j++ {
			substituteReads(instrs[j], dst, src)
		}
		return deleteAt(instrs, i), true
	}
	return instrs, false
}

func writesReg(instrs []*opcodes.Instruction, r int) bool {
	for _, inst := range instrs {
		if wr, ok := writableOperand(inst); ok {
			if reg, isReg := regOperand(wr); isReg && reg == r {
				return true
			}
		}
	}
	return false
}

func writableOperand(inst *opcodes.Instruction) (opcodes.Operand, bool) {
	switch inst.Op {
	case opcodes.OpMove, opcodes.OpCopy, opcodes.OpWref, opcodes.OpCvf, opcodes.OpCvl,
		opcodes.OpSize, opcodes.OpType, opcodes.OpNeg, opcodes.OpNegL, opcodes.OpNegF, opcodes.OpBwNot,
		opcodes.OpAdd, opcodes.OpAddL, opcodes.OpAddF, opcodes.OpSub, opcodes.OpSubL, opcodes.OpSubF,
		opcodes.OpMul, opcodes.OpMulL, opcodes.OpMulF, opcodes.OpDiv, opcodes.OpDivL, opcodes.OpDivF,
		opcodes.OpMod, opcodes.OpModL, opcodes.OpModF:
		return inst.Operands[0], true
	default:
		return opcodes.Operand{}, false
	}
}

func substituteReads(inst *opcodes.Instruction, from, to int) {
	wr, hasWritable := writableOperand(inst)
	_ = wr
	info, err := opcodes.InstructionInfo(inst.Op)
	if err != nil {
		return
	}
	for i := 0; i < info.NumOperands; i++ {
		if hasWritable && i == 0 {
			continue // don't rewrite a pure write-only destination operand
		}
		if reg, ok := regOperand(inst.Operands[i]); ok && reg == from {
			inst.Operands[i].A = uint32(to)
		}
	}
}

// registerSaving cancels a `pushr`/`popr` pair that saves and immediately
// restores the exact same register range around a call with nothing in
// between but the call itself — the save was never needed because the
// call doesn't observably clobber anything the restore wasn't already
// going to put back.
func registerSaving(instrs []*opcodes.Instruction) ([]*opcodes.Instruction, bool) {
	for i := 0; i+2 < len(instrs); i++ {
		push := instrs[i]
		if push.Op != opcodes.OpPushR {
			continue
		}
		popIdx := -1
		for j := i + 1; j < len(instrs); j++ {
			if instrs[j].Op == opcodes.OpPopR {
				popIdx = j
				break
			}
			if !isCallOp(instrs[j].Op) {
				break
			}
		}
		if popIdx < 0 {
			continue
		}
		pop := instrs[popIdx]
		if push.Operands[0] != pop.Operands[0] {
			continue
		}
		if targetsOf(instrs, popIdx) {
			continue
		}
		out := deleteAt(instrs, popIdx)
		out = deleteAt(out, i)
		return out, true
	}
	return instrs, false
}

func isCallOp(op opcodes.Opcode) bool {
	switch op {
	case opcodes.OpCalls, opcodes.OpCallm, opcodes.OpCalln, opcodes.OpCalli, opcodes.OpCalldg, opcodes.OpJsr:
		return true
	default:
		return false
	}
}
