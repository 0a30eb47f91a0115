package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"agentd/engine/internal/diff"
	"agentd/engine/internal/llm"
	"agentd/engine/internal/workspace"
)

const pathRules = "The path must be relative to the project root, contain no '..' segments, and use only letters, digits, '.', '_', '-', '/', and spaces."

// Tools lists the model-visible tool definitions. Each description states
// the path rules so the model does not need a failed call to learn them.
var Tools = []llm.Tool{
	{
		Type: "function",
		Function: llm.FunctionDef{
			Name:        "read_file",
			Description: "Read a text file from the project. " + pathRules,
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"path": {"type": "string", "description": "Relative file path inside the project"}
				},
				"required": ["path"]
			}`),
		},
	},
	{
		Type: "function",
		Function: llm.FunctionDef{
			Name:        "write_file",
			Description: "Write or create a text file in the project, overwriting any existing content. Parent directories are created as needed. " + pathRules,
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"path": {"type": "string", "description": "Relative file path inside the project"},
					"content": {"type": "string", "description": "Full file content"}
				},
				"required": ["path", "content"]
			}`),
		},
	},
	{
		Type: "function",
		Function: llm.FunctionDef{
			Name:        "edit_file",
			Description: "Apply a patch to an existing project file. The patch uses diff-match-patch text format; every hunk must apply cleanly. " + pathRules,
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"path": {"type": "string", "description": "Relative file path inside the project"},
					"patch": {"type": "string", "description": "Patch in diff-match-patch text format"}
				},
				"required": ["path", "patch"]
			}`),
		},
	},
	{
		Type: "function",
		Function: llm.FunctionDef{
			Name:        "delete_file",
			Description: "Delete a file from the project. " + pathRules,
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"path": {"type": "string", "description": "Relative file path inside the project"}
				},
				"required": ["path"]
			}`),
		},
	},
	{
		Type: "function",
		Function: llm.FunctionDef{
			Name:        "list_files",
			Description: "List all files in the project as relative paths, directories suffixed with '/'.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{},"required":[]}`),
		},
	},
	{
		Type: "function",
		Function: llm.FunctionDef{
			Name:        "run_shell",
			Description: "Run a shell command inside the project root and return its combined output. The command is killed after 60 seconds.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"command": {"type": "string", "description": "Shell command to execute"}
				},
				"required": ["command"]
			}`),
		},
	},
}

const (
	maxReadBytes    = 100 * 1024
	maxShellOutput  = 8000
	shellTimeout    = 60 * time.Second
	maxWriteSummary = 200
)

type toolExec func(ctx context.Context) (string, error)

// prepare parses and validates a tool call's arguments. It returns the
// execution closure only when validation passed; a validation error means
// the filesystem was never touched.
func (g *Gateway) prepare(call llm.ToolCall) (toolExec, error) {
	switch call.Function.Name {
	case "read_file":
		args, err := pathArg(call.Function.Arguments)
		if err != nil {
			return nil, err
		}
		full, err := workspace.SafeJoin(g.projectDir, args.Path)
		if err != nil {
			return nil, err
		}
		return func(context.Context) (string, error) { return g.readFile(full) }, nil
	case "write_file":
		var args struct {
			Path    string `json:"path"`
			Content string `json:"content"`
		}
		if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
			return nil, fmt.Errorf("invalid arguments: %v", err)
		}
		full, err := workspace.SafeJoin(g.projectDir, args.Path)
		if err != nil {
			return nil, err
		}
		return func(context.Context) (string, error) { return g.writeFile(full, args.Path, args.Content) }, nil
	case "edit_file":
		var args struct {
			Path  string `json:"path"`
			Patch string `json:"patch"`
		}
		if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
			return nil, fmt.Errorf("invalid arguments: %v", err)
		}
		if strings.TrimSpace(args.Patch) == "" {
			return nil, fmt.Errorf("patch is required")
		}
		full, err := workspace.SafeJoin(g.projectDir, args.Path)
		if err != nil {
			return nil, err
		}
		return func(context.Context) (string, error) { return g.editFile(full, args.Path, args.Patch) }, nil
	case "delete_file":
		args, err := pathArg(call.Function.Arguments)
		if err != nil {
			return nil, err
		}
		full, err := workspace.SafeJoin(g.projectDir, args.Path)
		if err != nil {
			return nil, err
		}
		return func(context.Context) (string, error) { return g.deleteFile(full, args.Path) }, nil
	case "list_files":
		return func(context.Context) (string, error) {
			return workspace.FileTree(g.projectDir, 0)
		}, nil
	case "run_shell":
		var args struct {
			Command string `json:"command"`
		}
		if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
			return nil, fmt.Errorf("invalid arguments: %v", err)
		}
		if strings.TrimSpace(args.Command) == "" {
			return nil, fmt.Errorf("command is required")
		}
		return func(ctx context.Context) (string, error) { return g.runShell(ctx, args.Command) }, nil
	default:
		return nil, fmt.Errorf("unknown tool: %s", call.Function.Name)
	}
}

func pathArg(argsJSON string) (struct {
	Path string `json:"path"`
}, error) {
	var args struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
		return args, fmt.Errorf("invalid arguments: %v", err)
	}
	return args, nil
}

func (g *Gateway) readFile(full string) (string, error) {
	data, err := os.ReadFile(full)
	if err != nil {
		return "", err
	}
	if len(data) > maxReadBytes {
		return string(data[:maxReadBytes]) + "\n... (file truncated)", nil
	}
	return string(data), nil
}

func (g *Gateway) writeFile(full, rel, content string) (string, error) {
	previous := ""
	if data, err := os.ReadFile(full); err == nil {
		previous = string(data)
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", err
	}
	if err := atomicWrite(full, []byte(content)); err != nil {
		return "", err
	}
	return fmt.Sprintf("wrote %s (%s)", rel, diff.Summary(previous, content)), nil
}

func (g *Gateway) editFile(full, rel, patch string) (string, error) {
	data, err := os.ReadFile(full)
	if err != nil {
		return "", err
	}
	before := string(data)
	after, err := diff.ApplyPatch(before, patch)
	if err != nil {
		return "", err
	}
	if err := atomicWrite(full, []byte(after)); err != nil {
		return "", err
	}
	return fmt.Sprintf("edited %s (%s)", rel, diff.Summary(before, after)), nil
}

func (g *Gateway) deleteFile(full, rel string) (string, error) {
	if err := os.Remove(full); err != nil {
		return "", err
	}
	return fmt.Sprintf("deleted %s", rel), nil
}

func (g *Gateway) runShell(ctx context.Context, command string) (string, error) {
	runCtx, cancel := context.WithTimeout(ctx, shellTimeout)
	defer cancel()
	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	cmd.Dir = g.projectDir
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output
	err := cmd.Run()
	out := output.String()
	if len(out) > maxShellOutput {
		out = out[:maxShellOutput] + "\n... (output truncated)"
	}
	if runCtx.Err() == context.DeadlineExceeded {
		return "", fmt.Errorf("command timed out after %s", shellTimeout)
	}
	if err != nil {
		return fmt.Sprintf("exit error: %v\n%s", err, out), nil
	}
	if strings.TrimSpace(out) == "" {
		return "(no output)", nil
	}
	return out, nil
}

func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
