/*
Package reconciler sweeps the whole pool on a fixed cadence: unreachable
sprites are probed and returned to the pool when they answer, assigned
sprites get their customer services checked and restarted. It also installs
the cron watchdog that keeps restarting services between sweeps.
*/
package reconciler
