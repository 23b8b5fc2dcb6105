package main

import (
	"testing"

	"github.com/wudi/corevm/opcodes"
	"github.com/wudi/corevm/vm"
)

func TestFormatOperandRenderings(t *testing.T) {
	cases := []struct {
		op   opcodes.Operand
		want string
	}{
		{opcodes.Operand{Kind: opcodes.KindReg, A: 3}, "r3"},
		{opcodes.Operand{Kind: opcodes.KindRegDisp, A: 1, B: 4}, "r1[+4]"},
		{opcodes.Operand{Kind: opcodes.KindRegIdx, A: 1, B: 2}, "r1[r2]"},
		{opcodes.Operand{Kind: opcodes.KindRegRange, A: 2, B: 3}, "r2..r4"},
		{opcodes.Operand{Kind: opcodes.KindStackDisp, A: 1}, "sp[+1]"},
		{opcodes.Operand{Kind: opcodes.KindImmInt, A: uint32(int32(-7))}, "#-7"},
		{opcodes.Operand{Kind: opcodes.KindImmType, A: 5}, "type#5"},
		{opcodes.Operand{Kind: opcodes.KindImmHandle, A: 9}, "lit#9"},
		{opcodes.Operand{Kind: opcodes.KindLabel, A: 42}, "@42"},
		{opcodes.Operand{Kind: opcodes.KindNone}, "-"},
	}
	for _, c := range cases {
		got := formatOperand(c.op)
		if got != c.want {
			t.Fatalf("formatOperand(%+v) = %q, want %q", c.op, got, c.want)
		}
	}
}

func TestFormatInstructionJoinsMnemonicAndOperands(t *testing.T) {
	inst := &opcodes.Instruction{
		Op: opcodes.OpAddL,
		Operands: [4]opcodes.Operand{
			{Kind: opcodes.KindReg, A: 0},
			{Kind: opcodes.KindReg, A: 1},
			{Kind: opcodes.KindReg, A: 2},
		},
	}
	got := formatInstruction(inst)
	want := "addl r0, r1, r2"
	if got != want {
		t.Fatalf("formatInstruction() = %q, want %q", got, want)
	}
}

func TestFormatInstructionFallsBackToOpStringerWhenInfoIsUnknown(t *testing.T) {
	inst := &opcodes.Instruction{Op: opcodes.Opcode(0xFFFF)}
	got := formatInstruction(inst)
	want := inst.Op.String()
	if got != want {
		t.Fatalf("formatInstruction() = %q, want %q", got, want)
	}
}

func TestParseIntArgsParsesEachArgument(t *testing.T) {
	got, err := parseIntArgs([]string{"1", "-2", "300"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []int64{1, -2, 300}
	if len(got) != len(want) {
		t.Fatalf("parseIntArgs() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("parseIntArgs()[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestParseIntArgsRejectsNonNumericArgumentWithItsIndex(t *testing.T) {
	_, err := parseIntArgs([]string{"1", "nope", "3"})
	if err == nil {
		t.Fatal("expected an error for a non-numeric argument")
	}
	want := `argument 1 ("nope")`
	if got := err.Error(); len(got) < len(want) || got[:len(want)] != want {
		t.Fatalf("error = %q, want prefix %q", got, want)
	}
}

func TestParseGCLogLevelRecognisesEachName(t *testing.T) {
	cases := []struct {
		in   string
		want vm.GCLogLevel
	}{
		{"off", vm.GCLogOff},
		{"", vm.GCLogOff},
		{"bogus", vm.GCLogOff},
		{"brief", vm.GCLogBrief},
		{"BRIEF", vm.GCLogBrief},
		{"all", vm.GCLogAll},
		{"ALL", vm.GCLogAll},
	}
	for _, c := range cases {
		if got := parseGCLogLevel(c.in); got != c.want {
			t.Fatalf("parseGCLogLevel(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}
