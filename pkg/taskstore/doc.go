/*
Package taskstore reads and writes the shared task queue file. The checkout
intake endpoint enqueues tasks; this agent claims, executes and settles them.
Writes follow the same lock-and-replace discipline as the pool file.

Recover repairs tasks left in_progress by a crash: provisioning tasks whose
customer already holds a sprite are failed (re-running them would assign a
second sprite), everything else is reset to pending.
*/
package taskstore
