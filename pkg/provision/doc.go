/*
Package provision implements the customer-facing operations: assigning a pool
sprite to a new customer, recycling it when they leave, and growing the pool.

Provisioning uploads the customer software to the assigned sprite, runs the
install script with the customer's environment, publishes routing (git
middleware commit plus the router's REST backup), and sends the welcome
email. Any failure after assignment tears the sprite down and releases it so
a retry starts clean.

Recycling runs the steps in reverse order with routing removed first, so
customer traffic dies before their data is scrubbed. Every step except the
final pool release is best effort: a half-broken sprite must still make it
back into the pool.

Handlers never return Go errors to the dispatcher; outcomes are folded into
the task result record.
*/
package provision
