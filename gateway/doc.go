// Package gateway provides the model gateway: a provider-agnostic client
// that turns a conversation history plus tool schemas into either a final
// answer or a set of requested tool invocations.
//
// The agent loop only depends on two capabilities, Complete and Stream.
// Complete blocks until the model has finished; Stream delivers partial
// text, reasoning, and tool-call chunks over a channel terminated by a
// finish or error event. Provider backends implement the Adapter interface;
// the bundled adapter drives providers through gollm.
//
// Errors returned by the gateway form a small hierarchy rooted in CallError.
// IsRetryable classifies them so callers can distinguish transient failures
// (rate limits, server errors, timeouts) from fatal ones (auth, invalid
// request, context overflow).
package gateway
