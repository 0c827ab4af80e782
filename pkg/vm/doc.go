/*
Package vm implements the simulated virtual-memory system.

Physical memory is a fixed number of page frames tracked by a Coremap. An
address space owns the frames backing its regions and its stack, so copying
an address space needs as many free frames as the original uses, and fails
with ENOMEM without side effects when they are not available.

Address spaces are opaque to the rest of the kernel. Everything a process
needs is on the AddressSpace interface: copy, activate and deactivate,
destroy, region and stack setup for the loader, and the copyin/copyout
primitives that move bytes across the user/kernel boundary.
*/
package vm
