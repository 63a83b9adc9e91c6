// Package agentloop implements the autonomous agent execution cycle:
// it feeds a durable session transcript to a model through the
// gateway, executes the tool calls the model requests, persists every
// message and part before publishing the matching event, and repeats
// until the model produces a final answer.
//
// The loop guards against degenerate behavior in two ways. A doom-loop
// detector fingerprints each tool invocation and rejects the call once
// an identical streak reaches the configured threshold, feeding the
// model a corrective failed result instead of executing the tool
// again. Tool output is truncated to configured character and line
// limits before it is stored and replayed to the model.
//
// At most one turn runs per session at a time; everything else about
// the loop is safe for concurrent use across sessions.
package agentloop
