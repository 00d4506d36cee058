/*
Package pool manages the shared sprite pool file: a JSON document mapping
sprite names to their records plus an inverted username -> sprite index.

Several processes read and write this file (the checkout intake, operators,
this agent), so every mutation follows the same discipline: take an exclusive
advisory lock on a sibling .lock file, re-read the document, heal the
assignment index against the sprite records, apply the change, and atomically
replace the file via tmp + fsync + rename. The sprite records are
authoritative; the index is a cache that is rebuilt whenever it disagrees.

Sprites are named arca-customer-NNN with a zero-padded counter, which makes
lexicographic order equal creation order and keeps assignment selection
deterministic. Assign is idempotent per username: retried provisioning tasks
get the same sprite back instead of leaking a second one.
*/
package pool
