/*
Package router publishes customer -> sprite routing in two places.

The authoritative mapping is a TypeScript object inside the web app's
middleware file, edited and committed through the router repository's git
checkout; a deploy picks it up. Because a deploy takes minutes, the same
mapping is also posted to the router's REST admin surface, which the proxy
consults until the next deploy lands.

Mapping mutations use the git index as their synchronization primitive:
pull --rebase before editing, checkout -- to roll back on any failure after
the edit.
*/
package router
