// Package session contains the live-session orchestration core.
//
// The entrypoint is Bot.Run: a single goroutine that cycles
// searching -> monitoring -> searching for the configured channel. While
// searching it polls the platform resolver under an adaptive backoff ladder,
// checking a manual trigger side channel every five seconds so an operator
// can force an immediate attempt even mid-wait. While monitoring it drains
// the live chat, routes messages through the trigger filter and command
// handler, and paces outbound replies against recent chat velocity.
//
// Everything the loop mutates (throttle window, cooldown maps, backoff
// counters, session fields) is owned by that one goroutine; other goroutines
// observe it only through the atomically published Status snapshot. Blocking
// points run on an injected clock so tests can drive them with a fake.
package session
