// Package connection implements the Connection Lifecycle Manager.
//
// The Manager:
//   - Owns a single logical streaming connection (at most one live Client)
//   - Reconnects on error or close with linear backoff (base * attempt)
//   - Gives up after MaxReconnects consecutive failures and reports Exhausted
//   - Resets the attempt counter on every successful open
//   - Hands every inbound frame to a Dispatcher, isolating its failures
//
// State transitions:
//
//	Idle -> Connecting -> Connected
//	Connected -> Reconnecting(1)              on close or error
//	Reconnecting(n) -> Reconnecting(n+1)      on a failed attempt, while n < MaxReconnects
//	Reconnecting(n) -> Connected              on a successful reopen (counter reset to 0)
//	Reconnecting(n) -> Exhausted              when n >= MaxReconnects
//	any -> Stopped                            on Stop
package connection
