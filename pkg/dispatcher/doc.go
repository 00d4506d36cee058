/*
Package dispatcher runs the agent's main loop.

The loop is deliberately single-threaded: tasks mutate shared file-locked
state (the pool and the task store) and the git router checkout, and running
them concurrently would buy little while costing the simple crash-recovery
story. Each iteration drains pending provisioning tasks, then pending recycle
tasks, executing every task inside the patch engine's pre/post envelope.

	boot ──► taskstore.Recover (crash recovery)
	           │
	           ▼
	  ┌─► every 10th tick: health reconciler
	  │        │
	  │        ▼
	  │    drain provisioning ──► drain recycle
	  │        │
	  └────────┴──── sleep 30s ◄── ctx.Done? → wait for
	                                background work, exit

A cancelled context stops the loop between tasks, never mid-task; the
terminal status write on the current task is the commit point.
*/
package dispatcher
