// Command corevm loads a linked program image and runs it: `run` calls an
// entry function to completion, `disasm` prints the Code Segment as
// mnemonics, `gc-stats` runs one collection pass and reports what it
// found, and `repl` is a readline shell for calling functions one at a
// time against a persistent VM (§6, following the teacher's cmd/hey shell
// shape, minus anything here that assumed a PHP front-end, since this
// module never compiles source — it only runs images a linker already
// produced).
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/urfave/cli/v3"

	"github.com/wudi/corevm/handle"
	"github.com/wudi/corevm/opcodes"
	"github.com/wudi/corevm/segment"
	"github.com/wudi/corevm/values"
	"github.com/wudi/corevm/version"
	"github.com/wudi/corevm/vm"
)

func main() {
	app := &cli.Command{
		Name:  "corevm",
		Usage: "register-based bytecode VM execution core",
		Commands: []*cli.Command{
			runCommand,
			disasmCommand,
			gcStatsCommand,
			replCommand,
		},
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "version",
				Usage: "print the version and exit",
				Action: func(ctx context.Context, cmd *cli.Command, v bool) error {
					if v {
						fmt.Println(version.Version())
						os.Exit(0)
					}
					return nil
				},
			},
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "corevm: %v\n", err)
		os.Exit(1)
	}
}

var runCommand = &cli.Command{
	Name:      "run",
	Usage:     "run a linked image's entry function",
	ArgsUsage: "<image> <functionID> [intArgs...]",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "profile", Usage: "print a hot-spot report after running"},
		&cli.StringFlag{Name: "gc-log", Usage: "gc log level: off, brief, all", Value: "off"},
	},
	Action: func(ctx context.Context, cmd *cli.Command) error {
		args := cmd.Args()
		if args.Len() < 2 {
			return fmt.Errorf("usage: corevm run <image> <functionID> [intArgs...]")
		}
		img, err := segment.Load(args.Get(0))
		if err != nil {
			return fmt.Errorf("load image: %w", err)
		}
		fnID, err := strconv.ParseInt(args.Get(1), 10, 32)
		if err != nil {
			return fmt.Errorf("functionID: %w", err)
		}

		m := vm.New(img)
		m.GCLogLevel = parseGCLogLevel(cmd.String("gc-log"))

		intArgs, err := parseIntArgs(args.Slice()[2:])
		if err != nil {
			return err
		}
		handles := make([]*handle.Handle, len(intArgs))
		for i, n := range intArgs {
			handles[i] = values.NewInt(m.Pool, n)
		}

		result, err := m.Call(int32(fnID), nil, handles)
		if err != nil {
			return err
		}
		fmt.Println(values.String(result))

		if cmd.Bool("profile") {
			fmt.Println(m.ProfileReport())
			for _, hs := range m.HotSpots(10) {
				fmt.Printf("  ip=%d count=%d\n", hs.IP, hs.Count)
			}
		}
		return nil
	},
}

var disasmCommand = &cli.Command{
	Name:      "disasm",
	Usage:     "disassemble a linked image's Code Segment",
	ArgsUsage: "<image>",
	Action: func(ctx context.Context, cmd *cli.Command) error {
		if cmd.Args().Len() < 1 {
			return fmt.Errorf("usage: corevm disasm <image>")
		}
		img, err := segment.Load(cmd.Args().Get(0))
		if err != nil {
			return fmt.Errorf("load image: %w", err)
		}
		return disassemble(img)
	},
}

func disassemble(img *segment.Image) error {
	pc := 0
	for pc < len(img.Code) {
		inst, consumed, err := opcodes.Decode(img.Code, pc)
		if err != nil {
			return fmt.Errorf("decode at %d: %w", pc, err)
		}
		fmt.Printf("%6d: %s\n", pc, formatInstruction(inst))
		pc += consumed
	}
	return nil
}

func formatInstruction(inst *opcodes.Instruction) string {
	info, err := opcodes.InstructionInfo(inst.Op)
	mnemonic := inst.Op.String()
	if err == nil {
		mnemonic = info.Mnemonic
	}
	var b strings.Builder
	b.WriteString(mnemonic)
	n := 0
	if err == nil {
		n = info.NumOperands
	}
	for i := 0; i < n; i++ {
		if i == 0 {
			b.WriteString(" ")
		} else {
			b.WriteString(", ")
		}
		b.WriteString(formatOperand(inst.Operands[i]))
	}
	return b.String()
}

func formatOperand(op opcodes.Operand) string {
	switch op.Kind {
	case opcodes.KindReg:
		return fmt.Sprintf("r%d", op.A)
	case opcodes.KindRegDisp:
		return fmt.Sprintf("r%d[+%d]", op.A, op.B)
	case opcodes.KindRegIdx:
		return fmt.Sprintf("r%d[r%d]", op.A, op.B)
	case opcodes.KindRegRange:
		return fmt.Sprintf("r%d..r%d", op.A, op.A+op.B-1)
	case opcodes.KindStackDisp:
		return fmt.Sprintf("sp[+%d]", op.A)
	case opcodes.KindImmInt:
		return fmt.Sprintf("#%d", int32(op.A))
	case opcodes.KindImmType:
		return fmt.Sprintf("type#%d", op.A)
	case opcodes.KindImmHandle:
		return fmt.Sprintf("lit#%d", op.A)
	case opcodes.KindLabel:
		return fmt.Sprintf("@%d", op.A)
	default:
		return "-"
	}
}

var gcStatsCommand = &cli.Command{
	Name:      "gc-stats",
	Usage:     "run an entry function then force a collection pass and report",
	ArgsUsage: "<image> <functionID> [intArgs...]",
	Action: func(ctx context.Context, cmd *cli.Command) error {
		args := cmd.Args()
		if args.Len() < 2 {
			return fmt.Errorf("usage: corevm gc-stats <image> <functionID> [intArgs...]")
		}
		img, err := segment.Load(args.Get(0))
		if err != nil {
			return fmt.Errorf("load image: %w", err)
		}
		fnID, err := strconv.ParseInt(args.Get(1), 10, 32)
		if err != nil {
			return fmt.Errorf("functionID: %w", err)
		}

		m := vm.New(img)
		m.GCLogLevel = vm.GCLogAll

		intArgs, err := parseIntArgs(args.Slice()[2:])
		if err != nil {
			return err
		}
		handles := make([]*handle.Handle, len(intArgs))
		for i, n := range intArgs {
			handles[i] = values.NewInt(m.Pool, n)
		}
		if _, err := m.Call(int32(fnID), nil, handles); err != nil {
			return err
		}

		stats := m.Collect()
		fmt.Printf("marked=%d freed=%d\n", stats.Marked, stats.Freed)
		for _, e := range stats.Events {
			fmt.Println(e)
		}
		return nil
	},
}

var replCommand = &cli.Command{
	Name:      "repl",
	Usage:     "interactively call functions in a loaded image",
	ArgsUsage: "<image>",
	Action: func(ctx context.Context, cmd *cli.Command) error {
		if cmd.Args().Len() < 1 {
			return fmt.Errorf("usage: corevm repl <image>")
		}
		img, err := segment.Load(cmd.Args().Get(0))
		if err != nil {
			return fmt.Errorf("load image: %w", err)
		}
		m := vm.New(img)
		return runREPL(m)
	},
}

func runREPL(m *vm.VM) error {
	rl, err := readline.New("corevm > ")
	if err != nil {
		return err
	}
	defer rl.Close()

	fmt.Println("corevm repl. Commands: call <functionID> [intArgs...], gc, quit")
	for {
		line, err := rl.Readline()
		if err != nil { // io.EOF on ^D, readline.ErrInterrupt on ^C
			return nil
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		switch fields[0] {
		case "quit", "exit":
			return nil
		case "gc":
			stats := m.Collect()
			fmt.Printf("marked=%d freed=%d\n", stats.Marked, stats.Freed)
		case "call":
			executeREPLCall(m, fields[1:])
		default:
			fmt.Println("unknown command:", fields[0])
		}
	}
}

func executeREPLCall(m *vm.VM, args []string) {
	if len(args) < 1 {
		fmt.Println("usage: call <functionID> [intArgs...]")
		return
	}
	fnID, err := strconv.ParseInt(args[0], 10, 32)
	if err != nil {
		fmt.Println("functionID:", err)
		return
	}
	intArgs, err := parseIntArgs(args[1:])
	if err != nil {
		fmt.Println(err)
		return
	}
	handles := make([]*handle.Handle, len(intArgs))
	for i, n := range intArgs {
		handles[i] = values.NewInt(m.Pool, n)
	}
	result, err := m.Call(int32(fnID), nil, handles)
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	fmt.Println(values.String(result))
}

func parseIntArgs(raw []string) ([]int64, error) {
	out := make([]int64, len(raw))
	for i, s := range raw {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("argument %d (%q): %w", i, s, err)
		}
		out[i] = n
	}
	return out, nil
}

func parseGCLogLevel(s string) vm.GCLogLevel {
	switch strings.ToLower(s) {
	case "brief":
		return vm.GCLogBrief
	case "all":
		return vm.GCLogAll
	default:
		return vm.GCLogOff
	}
}
