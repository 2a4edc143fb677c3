//go:build amd64

package capture

// captureRegs is implemented in capture_amd64.s: a leaf, no-prologue
// routine that stores the callee-saved register set directly into regs,
// then reconstructs RSP' (the stack pointer with the return-address push
// undone) and RIP' (the return address itself, i.e. the PC live at the
// instruction following the call into this function).
//
//go:noescape
func captureRegs(regs *Regs)
