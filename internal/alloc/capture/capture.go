// Package capture implements context capture: snapshotting callee-saved
// registers and copying a bounded prefix of the calling stack, for later
// unwinding by a collaborator this module does not implement.
//
// No allocation and no system call may occur between the register snapshot
// and the stack copy; callers must invoke Capture as the first thing after
// deciding to sample, with nothing else running on the calling goroutine's
// stack above the capture point in between.
package capture

import "unsafe"

// Register index names, matching the x86-64 ABI's callee-saved set plus
// the two values reconstructed from the call itself.
const (
	IRBX = iota
	IRBP
	IR12
	IR13
	IR14
	IR15
	IRSP // RSP' = RSP + word size, undoing the return-address push
	IRIP // RIP' = the value RIP will have after this call returns
	RegisterCount
)

// Regs holds one register snapshot.
type Regs [RegisterCount]uint64

// Capture snapshots the calling goroutine's registers and copies len(buf)
// bytes of its stack, starting at the reconstructed RSP' and growing
// upward. It has no stack bound: the copy always spans the whole buffer,
// is never cut at the end of the stack, and truncated is always false.
// CaptureWithBounds is the variant that stops at the stack's high address.
//
// Capture must be called directly by the hook, not through another
// wrapper, so that the register snapshot reflects the hook's own call
// site rather than an intermediate frame.
func Capture(buf []byte) (regs Regs, copied int, truncated bool) {
	captureRegs(&regs)
	copied, truncated = captureStack(regs[IRSP], buf)
	return regs, copied, truncated
}

// CaptureWithBounds is Capture but bounds the copy to stackEnd explicitly,
// for callers that have already memoized their thread's stack bounds (as
// tlsstate does) rather than trusting an unbounded copy.
func CaptureWithBounds(buf []byte, stackEnd uintptr) (regs Regs, copied int, truncated bool) {
	captureRegs(&regs)
	avail := int64(stackEnd) - int64(regs[IRSP])
	if avail < 0 {
		return regs, 0, true
	}
	n := len(buf)
	if int64(n) > avail {
		n = int(avail)
		truncated = true
	}
	src := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(regs[IRSP]))), n)
	copied = copy(buf, src)
	return regs, copied, truncated
}

// captureStack performs the bounded, overlap-safe stack copy once the
// caller already knows rsp (typically from a fresh Regs snapshot). It
// exists as a separate step purely to mirror the source algorithm's
// two-phase register-snapshot-then-stack-copy structure; no allocation
// occurs here.
func captureStack(rsp uint64, buf []byte) (copied int, truncated bool) {
	// Without externally supplied stack bounds we can only copy forward
	// from rsp for the full buffer length; CaptureWithBounds is the
	// bounds-aware entry point used by the hook core.
	src := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(rsp))), len(buf))
	copied = copy(buf, src)
	return copied, false
}
