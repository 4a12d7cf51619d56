/*
Package sandbox runs compiled handlers inside isolated goja runtimes.

# Overview

An Instance owns one goja VM and runs one handler execution at a time.
Each execution gets a fresh VM with:

  - Hardened globals (require, process, module and exports undefined; timers are no-ops)
  - A bounded call stack
  - A memory meter (boundary bytes plus sampled heap growth)
  - A wall-clock timeout per turn and context cancellation
  - Capability-checked host functions behind the handler globals

# Host boundary

The prelude builds $state, $emit, $view, $ext and $log on a host object.
Values cross as JSON text, so handlers only ever hold copies and the bytes
crossing are charged to the memory meter. Host functions:

	state.get / state.set / state.delete / state.has / state.keys
	events.emit
	view.update
	extension.call
	log

A denied capability, an exhausted budget or a memory breach interrupts the
VM. Interrupts cannot be caught by script, and every later host call in the
same turn is a no-op.

# Suspension

$ext.<name>.<method>(...) never blocks. It records a pending call, returns a
promise and the turn ends once the job queue drains. Pending calls are FIFO;
the result reports the head. Resume settles one call (resolve with the value
or reject with Error(message)) and runs the next turn.

# Lifecycle

	Idle → Running → Completed | Suspended | Failed | Terminated
	Suspended → Running (Resume) | Cancelled (Cancel)

Timeouts, memory-limit breaches and internal faults terminate the instance;
the pool discards it instead of resetting it.
*/
package sandbox
