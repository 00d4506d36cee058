/*
Package sprites is a thin typed client for the Sprites control plane: create
a VM, write a file into it, execute a shell script on it. The client carries
no retry policy; callers that want retries wrap the calls themselves.
*/
package sprites
