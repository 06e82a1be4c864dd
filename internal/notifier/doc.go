// Package notifier delivers short operator messages to a chat.
//
// Every send passes a token-bucket limiter and a consecutive-failure circuit
// breaker before it reaches the Sender. While the breaker is open, Send
// fails at once with ErrCircuitOpen and the Sender is not called.
//
// # Relay
//
// Start subscribes to the event bus and turns schedule, sweep and scrape
// events into messages. Relay failures are logged and dropped.
package notifier
