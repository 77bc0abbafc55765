package target

import "fmt"

func regNames(prefix string, n int) []string {
	names := make([]string, n)
	for i := range names {
		names[i] = fmt.Sprintf("%s%d", prefix, i)
	}
	return names
}

func init() {
	// X86-64: xchg exists for general purpose registers only
	register(MustNew("x86-64",
		GroupInfo{
			Name: "gp",
			Regs: []string{"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
				"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15"},
			Reserved: []string{"rsp", "rbp"},
			Swap:     true,
		},
		GroupInfo{Name: "vec", Regs: regNames("xmm", 16)},
		GroupInfo{Name: "mask", Regs: regNames("k", 8), Reserved: []string{"k0"}},
	))

	// AArch64: x18 is the platform register, x29/x30 are fp/lr
	register(MustNew("aarch64",
		GroupInfo{Name: "gp", Regs: regNames("x", 31), Reserved: []string{"x18", "x29", "x30"}},
		GroupInfo{Name: "vec", Regs: regNames("v", 32)},
	))

	// Tiny register files, handy for exercising register pressure
	register(MustNew("tiny",
		GroupInfo{Name: "gp", Regs: regNames("r", 2), Swap: true},
		GroupInfo{Name: "vec", Regs: regNames("v", 2)},
	))
	register(MustNew("tiny4",
		GroupInfo{Name: "gp", Regs: regNames("r", 4), Swap: true},
		GroupInfo{Name: "vec", Regs: regNames("v", 4)},
	))
}
