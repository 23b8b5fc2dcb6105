package opcodes

import "fmt"

// Encode serialises inst into the flat instruction-word form the Code
// Segment stores (§3, §6.1).
func Encode(inst *Instruction) ([]uint32, error) {
	info, err := InstructionInfo(inst.Op)
	if err != nil {
		return nil, err
	}
	words := make([]uint32, 0, 5)
	words = append(words, uint32(inst.Op))
	for i := 0; i < info.NumOperands; i++ {
		op := inst.Operands[i]
		words = append(words, uint32(op.Kind))
		switch op.Kind.Size() {
		case 1:
			words = append(words, op.A)
		case 2:
			words = append(words, op.A, op.B)
		}
	}
	return words, nil
}

// Decode reads one instruction starting at words[at] and returns it along
// with the number of words consumed.
func Decode(words []uint32, at int) (*Instruction, int, error) {
	if at < 0 || at >= len(words) {
		return nil, 0, fmt.Errorf("decode: address %d out of range", at)
	}
	op := Opcode(words[at])
	info, err := InstructionInfo(op)
	if err != nil {
		return nil, 0, err
	}
	inst := &Instruction{Op: op}
	pos := at + 1
	for i := 0; i < info.NumOperands; i++ {
		if pos >= len(words) {
			return nil, 0, fmt.Errorf("decode: truncated kind tag at %d", pos)
		}
		kind := OperandKind(words[pos])
		pos++
		var a, b uint32
		switch kind.Size() {
		case 1:
			if pos >= len(words) {
				return nil, 0, fmt.Errorf("decode: truncated operand at %d", pos)
			}
			a = words[pos]
			pos++
		case 2:
			if pos+1 >= len(words) {
				return nil, 0, fmt.Errorf("decode: truncated wide operand at %d", pos)
			}
			a, b = words[pos], words[pos+1]
			pos += 2
		}
		inst.Operands[i] = Operand{Kind: kind, A: a, B: b}
	}
	return inst, pos - at, nil
}

// CreateInstruction re-encodes a decoded instruction, selecting the
// correct operand layout for its addressing modes (§4.7.1). Re-encoding
// must not change the instruction's size — callers that mutate operand
// Kinds in place (e.g. the linker's relocation pass) must keep every
// operand's Size() identical to what was decoded, which CreateInstruction
// verifies by comparing against the original word count.
func CreateInstruction(inst *Instruction, originalSize int) ([]uint32, error) {
	words, err := Encode(inst)
	if err != nil {
		return nil, err
	}
	if len(words) != originalSize {
		return nil, fmt.Errorf("re-encoding changed instruction size: %d -> %d", originalSize, len(words))
	}
	return words, nil
}
