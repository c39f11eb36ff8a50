package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// maxOutputBytes truncates tool output so a chatty command cannot blow up
// the transcript.
const maxOutputBytes = 64000

// Bash runs shell commands in a workspace directory.
type Bash struct {
	// Workspace is the working directory for commands. Empty means the
	// process working directory.
	Workspace string

	// Timeout bounds a single command. Zero means 2 minutes.
	Timeout time.Duration
}

type bashArgs struct {
	Command string `json:"command" jsonschema:"description=Shell command to run"`
}

func (b *Bash) Name() string        { return "bash" }
func (b *Bash) Description() string { return "Run a shell command and return its combined output." }
func (b *Bash) Schema() json.RawMessage {
	return SchemaFor[bashArgs]()
}

func (b *Bash) Execute(ctx context.Context, args json.RawMessage) (*Result, error) {
	var in bashArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return ErrorResult("invalid arguments: " + err.Error()), nil
	}
	if strings.TrimSpace(in.Command) == "" {
		return ErrorResult("command is required"), nil
	}

	timeout := b.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", in.Command)
	cmd.Dir = b.Workspace
	out, err := cmd.CombinedOutput()
	text := truncate(string(out))
	if err != nil {
		if text == "" {
			text = err.Error()
		} else {
			text += "\n" + err.Error()
		}
		return ErrorResult(text), nil
	}
	return TextResult(text), nil
}

// ReadFile reads a file under the workspace.
type ReadFile struct {
	Workspace string
}

type readFileArgs struct {
	Path string `json:"path" jsonschema:"description=File path relative to the workspace"`
}

func (t *ReadFile) Name() string        { return "read_file" }
func (t *ReadFile) Description() string { return "Read a file's contents." }
func (t *ReadFile) Schema() json.RawMessage {
	return SchemaFor[readFileArgs]()
}

func (t *ReadFile) Execute(_ context.Context, args json.RawMessage) (*Result, error) {
	var in readFileArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return ErrorResult("invalid arguments: " + err.Error()), nil
	}
	path, err := resolvePath(t.Workspace, in.Path)
	if err != nil {
		return ErrorResult(err.Error()), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ErrorResult(err.Error()), nil
	}
	return TextResult(truncate(string(data))), nil
}

// WriteFile writes a file under the workspace, creating parent directories.
type WriteFile struct {
	Workspace string
}

type writeFileArgs struct {
	Path    string `json:"path" jsonschema:"description=File path relative to the workspace"`
	Content string `json:"content" jsonschema:"description=Full file content to write"`
}

func (t *WriteFile) Name() string        { return "write_file" }
func (t *WriteFile) Description() string { return "Write content to a file, replacing it if present." }
func (t *WriteFile) Schema() json.RawMessage {
	return SchemaFor[writeFileArgs]()
}

func (t *WriteFile) Execute(_ context.Context, args json.RawMessage) (*Result, error) {
	var in writeFileArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return ErrorResult("invalid arguments: " + err.Error()), nil
	}
	path, err := resolvePath(t.Workspace, in.Path)
	if err != nil {
		return ErrorResult(err.Error()), nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return ErrorResult(err.Error()), nil
	}
	if err := os.WriteFile(path, []byte(in.Content), 0o644); err != nil {
		return ErrorResult(err.Error()), nil
	}
	return TextResult(fmt.Sprintf("wrote %d bytes to %s", len(in.Content), in.Path)), nil
}

// ListFiles lists a directory under the workspace.
type ListFiles struct {
	Workspace string
}

type listFilesArgs struct {
	Path string `json:"path,omitempty" jsonschema:"description=Directory relative to the workspace; defaults to the workspace root"`
}

func (t *ListFiles) Name() string        { return "list_files" }
func (t *ListFiles) Description() string { return "List the entries of a directory." }
func (t *ListFiles) Schema() json.RawMessage {
	return SchemaFor[listFilesArgs]()
}

func (t *ListFiles) Execute(_ context.Context, args json.RawMessage) (*Result, error) {
	var in listFilesArgs
	if len(args) > 0 {
		if err := json.Unmarshal(args, &in); err != nil {
			return ErrorResult("invalid arguments: " + err.Error()), nil
		}
	}
	path, err := resolvePath(t.Workspace, in.Path)
	if err != nil {
		return ErrorResult(err.Error()), nil
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return ErrorResult(err.Error()), nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return TextResult(strings.Join(names, "\n")), nil
}

// resolvePath joins rel onto workspace and rejects escapes above it.
func resolvePath(workspace, rel string) (string, error) {
	if workspace == "" {
		workspace = "."
	}
	abs, err := filepath.Abs(filepath.Join(workspace, rel))
	if err != nil {
		return "", err
	}
	root, err := filepath.Abs(workspace)
	if err != nil {
		return "", err
	}
	if abs != root && !strings.HasPrefix(abs, root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the workspace", rel)
	}
	return abs, nil
}

func truncate(s string) string {
	if len(s) <= maxOutputBytes {
		return s
	}
	return s[:maxOutputBytes] + "\n[output truncated]"
}
