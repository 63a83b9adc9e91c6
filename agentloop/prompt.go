package agentloop

import (
	"fmt"
	"strings"
	"time"
)

// BuildSystemPrompt produces the default system prompt, grounding the
// model in its tools and execution environment. Callers with custom
// prompts set Config.SystemPrompt directly instead.
func BuildSystemPrompt(env ExecutionEnvironment, registry *ToolRegistry) string {
	var b strings.Builder

	b.WriteString("You are an autonomous software agent. You accomplish tasks by calling tools, observing their results, and deciding the next step. Prefer small verifiable steps over large speculative ones.\n\n")

	b.WriteString("Guidelines:\n")
	b.WriteString("- Read a file before editing it.\n")
	b.WriteString("- If a tool call fails, read the error and adjust; do not repeat the identical call.\n")
	b.WriteString("- When the task is complete, reply with a final answer instead of calling more tools.\n\n")

	if registry != nil && registry.Count() > 0 {
		b.WriteString("Available tools:\n")
		for _, def := range registry.Definitions() {
			fmt.Fprintf(&b, "- %s: %s\n", def.Name, def.Description)
		}
		b.WriteString("\n")
	}

	if env != nil {
		b.WriteString("Environment:\n")
		fmt.Fprintf(&b, "- Working directory: %s\n", env.WorkingDirectory())
		fmt.Fprintf(&b, "- Platform: %s\n", env.Platform())
		fmt.Fprintf(&b, "- Date: %s\n", time.Now().Format("2006-01-02"))
	}

	return strings.TrimRight(b.String(), "\n")
}
