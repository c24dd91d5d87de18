package vmlc

// Register addresses from spec §6 "Register map (the subset the core
// must use)", cross-checked against
// original_source/src/mesytec-mvlc/mvlc_constants.h for the exact values.
const (
	regDAQMode          = 0x1300
	regStackExecStatus0 = 0x1400
	regStackExecStatus1 = 0x1404
	regStack0Offset     = 0x1200
	regStack0Trigger    = 0x1100
)

// triggerImmediateBit marks a stack trigger register write as "fire
// immediately" rather than wiring it to a hardware trigger condition
// (original_source mvlc_constants.h: ImmediateMask=0b1, ImmediateShift=8).
const triggerImmediateBit = 1 << 8

// Super-command word format: the high 16 bits select the command, the
// low 16 bits carry its argument (original_source mvlc_constants.h,
// namespace super_commands). Only the three commands the transaction
// engine itself needs to assemble are reproduced here — general VME
// command-stack construction is the out-of-scope "command builder"
// collaborator (spec §1).
const (
	superCmdReferenceWordOut uint16 = 0x0101
	superCmdReadLocal        uint16 = 0x0102
	superCmdWriteLocal       uint16 = 0x0204
)

func superWord(cmd uint16, arg uint16) uint32 {
	return uint32(cmd)<<16 | uint32(arg)
}

func superReferenceWord(ref uint16) uint32 { return superWord(superCmdReferenceWordOut, ref) }
func superWriteLocal(addr uint16) uint32   { return superWord(superCmdWriteLocal, addr) }
func superReadLocal(addr uint16) uint32    { return superWord(superCmdReadLocal, addr) }

// Stack-command word format: the high byte selects the command, the next
// byte and low 16 bits carry its arguments (original_source
// mvlc_constants.h, namespace stack_commands).
const (
	stackCmdStart       uint8 = 0xF3
	stackCmdEnd         uint8 = 0xF4
	stackCmdWriteMarker uint8 = 0xC2
)

func stackWord(cmd uint8, arg0 uint8, arg1 uint16) uint32 {
	return uint32(cmd)<<24 | uint32(arg0)<<16 | uint32(arg1)
}
