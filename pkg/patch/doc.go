/*
Package patch implements the self-healing envelope that wraps every task the
agent executes. The name follows the on-sprite health endpoint (/pflaster/health);
a "Pflaster" is a band-aid.

The engine distinguishes two kinds of repair. A patch is a short-lived fix
applied before the task so it can run at all: wait out a control plane outage,
create an emergency sprite for an empty pool, reset a dirty router checkout,
fail orphaned tasks. A fix is the permanent counterpart applied after a
successful task: expand the pool properly, install a watchdog, re-post a lost
router mapping. Every applied patch is threaded into the post-hook so its root
cause gets addressed, not just papered over.

# Architecture

	┌───────────────────────────────────────────────────────────┐
	│                    Engine.Wrap(task)                      │
	└─────────────────────────┬─────────────────────────────────┘
	                          │
	                          ▼
	┌──────────────────── PRE-HOOK ─────────────────────────────┐
	│  1. Sprites API reachable?    → wait with backoff         │
	│  2. Pool empty? (provisioning) → emergency sprite         │
	│  3. Router tree dirty?         → reset to origin/main     │
	│  4. Orphaned in_progress?      → fail stale tasks         │
	│  5. Recycle target healthy?    → log only                 │
	└─────────────────────────┬─────────────────────────────────┘
	                          │ patches
	                          ▼
	                   handler(ctx, task)
	                          │ result
	                          ▼
	┌──────────────────── POST-HOOK ────────────────────────────┐
	│  task failed  → record failure, no fixes                  │
	│  task ok      → root fix per applied patch                │
	│                 verify services / mapping / email         │
	│                 refill pool below low-water mark          │
	└─────────────────────────┬─────────────────────────────────┘
	                          │
	                          ▼
	              EventLog (bbolt, ring of 200)

Both hooks append their entries to the EventLog so an operator can replay
what the engine did and why. The pre/post pairing is enforced by an
exhaustive switch over PatchType: adding a patch without deciding its
permanent fix does not compile cleanly past review.

# Usage

	engine := patch.NewEngine(pool, tasks, client, tree, router, expander, watchdog, events)
	result := engine.Wrap(ctx, handlers.Provision, task)

Background fixes (pool expansions) run on goroutines tracked by the engine;
call Wait before shutdown.
*/
package patch
