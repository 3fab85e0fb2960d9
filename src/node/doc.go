/*
Package node implements the orchestrator that ties the engine together. A
single event loop owns the session table and processes, in arrival order,
transport events, control commands, fetch completions, and timer ticks.
Everything long-running (dials, transfers, store sweeps) is pushed onto a
bounded pool of background goroutines whose results re-enter the loop through
channels.
*/
package node
