package arch

// TrapFrame is the user register state saved on entry to the kernel.
//
// Resume is the simulated program counter: it holds the user code that runs
// when the frame is returned to user mode. A forked child resumes the same
// continuation its parent trapped from, with V0 set to 0.
type TrapFrame struct {
	V0  uint32 // syscall number in, return value out
	V1  uint32
	A0  uint32
	A1  uint32
	A2  uint32
	A3  uint32 // fourth argument in, error flag out
	SP  uint32
	GP  uint32
	RA  uint32
	EPC uint32

	Resume Continuation
}

// Continuation is user code waiting to run when a trap frame returns to user
// mode. The returned value is handed to _exit if the code falls off its end.
type Continuation func(u UserContext) int

// UserContext is the user-mode side of a thread that a continuation runs in.
// The concrete type belongs to the kernel's user library.
type UserContext interface {
	Frame() *TrapFrame
}

// Clone returns an independent copy of the frame.
func (tf *TrapFrame) Clone() *TrapFrame {
	c := *tf
	return &c
}

// SetResult stores a successful syscall result.
func (tf *TrapFrame) SetResult(v uint32) {
	tf.V0 = v
	tf.A3 = 0
}

// SetError stores a failed syscall's error number.
func (tf *TrapFrame) SetError(errno Errno) {
	tf.V0 = uint32(errno)
	tf.A3 = 1
}

// Advance moves EPC past the trapping instruction so the frame does not
// restart the syscall.
func (tf *TrapFrame) Advance() {
	tf.EPC += InstructionSize
}
