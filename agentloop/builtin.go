package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const defaultShellTimeout = 2 * time.Minute

// RegisterBuiltinTools registers the standard tool suite against the
// given registry. All file and command operations are delegated to the
// execution environment carried in the ToolContext.
func RegisterBuiltinTools(registry *ToolRegistry) {
	registry.Register(readFileTool())
	registry.Register(writeFileTool())
	registry.Register(editFileTool())
	registry.Register(shellTool())
	registry.Register(grepTool())
	registry.Register(globTool())
}

func readFileTool() RegisteredTool {
	return RegisteredTool{
		Definition: ToolDefinition{
			Name:        "read_file",
			Description: "Read a file from the filesystem. Returns content with line numbers. Supports reading a slice via offset and limit.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"path": map[string]interface{}{
						"type":        "string",
						"description": "Path to the file, absolute or relative to the working directory",
					},
					"offset": map[string]interface{}{
						"type":        "integer",
						"description": "1-based line number to start reading from",
					},
					"limit": map[string]interface{}{
						"type":        "integer",
						"description": "Maximum number of lines to return",
					},
				},
				"required": []string{"path"},
			},
		},
		Executor: func(ctx context.Context, args json.RawMessage, tc ToolContext) (string, error) {
			parsed, err := ParseToolArguments(args)
			if err != nil {
				return "", err
			}
			path, ok := GetStringArg(parsed, "path")
			if !ok {
				return "", fmt.Errorf("missing required argument: path")
			}
			offset, _ := GetIntArg(parsed, "offset")
			limit, _ := GetIntArg(parsed, "limit")

			content, err := tc.Env.ReadFile(path)
			if err != nil {
				return "", err
			}
			return numberLines(content, offset, limit), nil
		},
	}
}

// numberLines formats file content as "   N\tline" starting at the
// given 1-based offset. limit <= 0 means all remaining lines.
func numberLines(content string, offset, limit int) string {
	lines := strings.Split(content, "\n")
	if offset < 1 {
		offset = 1
	}
	if offset > len(lines) {
		return ""
	}
	end := len(lines)
	if limit > 0 && offset-1+limit < end {
		end = offset - 1 + limit
	}

	var b strings.Builder
	for i := offset - 1; i < end; i++ {
		fmt.Fprintf(&b, "%6d\t%s\n", i+1, lines[i])
	}
	return b.String()
}

func writeFileTool() RegisteredTool {
	return RegisteredTool{
		Definition: ToolDefinition{
			Name:        "write_file",
			Description: "Write content to a file, creating parent directories as needed. Overwrites existing content.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"path": map[string]interface{}{
						"type":        "string",
						"description": "Path to the file to write",
					},
					"content": map[string]interface{}{
						"type":        "string",
						"description": "Full content to write",
					},
				},
				"required": []string{"path", "content"},
			},
		},
		Executor: func(ctx context.Context, args json.RawMessage, tc ToolContext) (string, error) {
			parsed, err := ParseToolArguments(args)
			if err != nil {
				return "", err
			}
			path, ok := GetStringArg(parsed, "path")
			if !ok {
				return "", fmt.Errorf("missing required argument: path")
			}
			content, ok := GetStringArg(parsed, "content")
			if !ok {
				return "", fmt.Errorf("missing required argument: content")
			}
			if err := tc.Env.WriteFile(path, content); err != nil {
				return "", err
			}
			return fmt.Sprintf("Wrote %d bytes to %s", len(content), path), nil
		},
	}
}

func editFileTool() RegisteredTool {
	return RegisteredTool{
		Definition: ToolDefinition{
			Name:        "edit_file",
			Description: "Replace an exact string in a file. The old string must appear exactly once unless replace_all is set.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"path": map[string]interface{}{
						"type":        "string",
						"description": "Path to the file to edit",
					},
					"old_string": map[string]interface{}{
						"type":        "string",
						"description": "Exact text to replace",
					},
					"new_string": map[string]interface{}{
						"type":        "string",
						"description": "Replacement text",
					},
					"replace_all": map[string]interface{}{
						"type":        "boolean",
						"description": "Replace every occurrence instead of requiring a unique match",
					},
				},
				"required": []string{"path", "old_string", "new_string"},
			},
		},
		Executor: func(ctx context.Context, args json.RawMessage, tc ToolContext) (string, error) {
			parsed, err := ParseToolArguments(args)
			if err != nil {
				return "", err
			}
			path, ok := GetStringArg(parsed, "path")
			if !ok {
				return "", fmt.Errorf("missing required argument: path")
			}
			oldStr, ok := GetStringArg(parsed, "old_string")
			if !ok {
				return "", fmt.Errorf("missing required argument: old_string")
			}
			newStr, _ := GetStringArg(parsed, "new_string")
			replaceAll, _ := GetBoolArg(parsed, "replace_all")

			if oldStr == newStr {
				return "", fmt.Errorf("old_string and new_string are identical")
			}

			content, err := tc.Env.ReadFile(path)
			if err != nil {
				return "", err
			}

			count := strings.Count(content, oldStr)
			if count == 0 {
				return "", fmt.Errorf("old_string not found in %s", path)
			}
			if count > 1 && !replaceAll {
				return "", fmt.Errorf("old_string appears %d times in %s; provide more context or set replace_all", count, path)
			}

			var updated string
			if replaceAll {
				updated = strings.ReplaceAll(content, oldStr, newStr)
			} else {
				updated = strings.Replace(content, oldStr, newStr, 1)
			}
			if err := tc.Env.WriteFile(path, updated); err != nil {
				return "", err
			}

			if replaceAll {
				return fmt.Sprintf("Replaced %d occurrences in %s", count, path), nil
			}
			return fmt.Sprintf("Edited %s", path), nil
		},
	}
}

func shellTool() RegisteredTool {
	return RegisteredTool{
		Definition: ToolDefinition{
			Name:        "shell",
			Description: "Execute a shell command in the working directory and return its output. Long-running commands are killed after the timeout.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"command": map[string]interface{}{
						"type":        "string",
						"description": "Shell command to execute",
					},
					"timeout_seconds": map[string]interface{}{
						"type":        "integer",
						"description": "Timeout in seconds (default 120)",
					},
				},
				"required": []string{"command"},
			},
		},
		Executor: func(ctx context.Context, args json.RawMessage, tc ToolContext) (string, error) {
			parsed, err := ParseToolArguments(args)
			if err != nil {
				return "", err
			}
			command, ok := GetStringArg(parsed, "command")
			if !ok {
				return "", fmt.Errorf("missing required argument: command")
			}
			timeout := defaultShellTimeout
			if secs, ok := GetIntArg(parsed, "timeout_seconds"); ok && secs > 0 {
				timeout = time.Duration(secs) * time.Second
			}

			result, err := tc.Env.ExecCommand(ctx, command, timeout)
			if err != nil {
				return "", err
			}
			if result.TimedOut {
				return "", fmt.Errorf("command timed out after %s:\n%s", timeout, result.Output())
			}
			if result.ExitCode != 0 {
				return "", fmt.Errorf("command exited with code %d:\n%s", result.ExitCode, result.Output())
			}
			output := result.Output()
			if output == "" {
				output = "(no output)"
			}
			return output, nil
		},
	}
}

func grepTool() RegisteredTool {
	return RegisteredTool{
		Definition: ToolDefinition{
			Name:        "grep",
			Description: "Search file contents for a regular expression. Returns matching lines with file paths and line numbers.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"pattern": map[string]interface{}{
						"type":        "string",
						"description": "Regular expression to search for",
					},
					"path": map[string]interface{}{
						"type":        "string",
						"description": "Directory or file to search (default: working directory)",
					},
					"glob": map[string]interface{}{
						"type":        "string",
						"description": "Glob filter for files to search, e.g. *.go",
					},
					"case_insensitive": map[string]interface{}{
						"type":        "boolean",
						"description": "Match case-insensitively",
					},
				},
				"required": []string{"pattern"},
			},
		},
		Executor: func(ctx context.Context, args json.RawMessage, tc ToolContext) (string, error) {
			parsed, err := ParseToolArguments(args)
			if err != nil {
				return "", err
			}
			pattern, ok := GetStringArg(parsed, "pattern")
			if !ok {
				return "", fmt.Errorf("missing required argument: pattern")
			}
			path, _ := GetStringArg(parsed, "path")
			globFilter, _ := GetStringArg(parsed, "glob")
			caseInsensitive, _ := GetBoolArg(parsed, "case_insensitive")

			output, err := tc.Env.Grep(ctx, pattern, path, GrepOptions{
				GlobFilter:      globFilter,
				CaseInsensitive: caseInsensitive,
			})
			if err != nil {
				return "", err
			}
			if output == "" {
				return "No matches found", nil
			}
			return output, nil
		},
	}
}

func globTool() RegisteredTool {
	return RegisteredTool{
		Definition: ToolDefinition{
			Name:        "glob",
			Description: "Find files matching a glob pattern. Returns paths relative to the working directory.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"pattern": map[string]interface{}{
						"type":        "string",
						"description": "Glob pattern, e.g. *.ts or cmd/*.go",
					},
					"path": map[string]interface{}{
						"type":        "string",
						"description": "Directory to search in (default: working directory)",
					},
				},
				"required": []string{"pattern"},
			},
		},
		Executor: func(ctx context.Context, args json.RawMessage, tc ToolContext) (string, error) {
			parsed, err := ParseToolArguments(args)
			if err != nil {
				return "", err
			}
			pattern, ok := GetStringArg(parsed, "pattern")
			if !ok {
				return "", fmt.Errorf("missing required argument: pattern")
			}
			path, _ := GetStringArg(parsed, "path")

			matches, err := tc.Env.Glob(pattern, path)
			if err != nil {
				return "", err
			}
			if len(matches) == 0 {
				return "No files found", nil
			}
			return strings.Join(matches, "\n"), nil
		},
	}
}
