package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// sensitivePathFragments block reads and writes into credential stores even
// when workspace restriction is off. Checked against the canonical path.
var sensitivePathFragments = []string{
	"/etc/shadow", "/etc/passwd", "/etc/sudoers",
	"/.ssh/", "/.gnupg/", "/.aws/", "/.kube/",
	"id_rsa", "id_ed25519", ".pem", ".key",
}

// resolvePath canonicalizes a path relative to the workspace and validates
// it. Symlinks are resolved before any predicate runs so `..` hops and link
// tricks cannot escape the boundary.
func resolvePath(path, workspace string, restrict bool) (string, error) {
	var candidate string
	if filepath.IsAbs(path) {
		candidate = filepath.Clean(path)
	} else {
		candidate = filepath.Clean(filepath.Join(workspace, path))
	}

	absWorkspace, _ := filepath.Abs(workspace)
	wsReal, err := filepath.EvalSymlinks(absWorkspace)
	if err != nil {
		wsReal = absWorkspace
	}

	abs, _ := filepath.Abs(candidate)
	real, err := canonicalize(abs)
	if err != nil {
		return "", fmt.Errorf("access denied: cannot resolve path")
	}

	for _, frag := range sensitivePathFragments {
		if strings.Contains(real, frag) {
			return "", fmt.Errorf("access denied: sensitive path")
		}
	}
	if restrict && !isPathInside(real, wsReal) {
		return "", fmt.Errorf("access denied: path outside workspace")
	}
	return real, nil
}

// canonicalize resolves symlinks for a path that may not exist yet: the
// deepest existing ancestor is resolved, then the missing components are
// re-attached.
func canonicalize(abs string) (string, error) {
	if real, err := filepath.EvalSymlinks(abs); err == nil {
		return real, nil
	} else if !os.IsNotExist(err) {
		return "", err
	}

	current := abs
	var tail []string
	for {
		parent := filepath.Dir(current)
		if parent == current {
			return filepath.Clean(abs), nil
		}
		tail = append([]string{filepath.Base(current)}, tail...)
		current = parent
		if real, err := filepath.EvalSymlinks(current); err == nil {
			return filepath.Join(append([]string{real}, tail...)...), nil
		}
	}
}

func isPathInside(child, parent string) bool {
	if child == parent {
		return true
	}
	return strings.HasPrefix(child, parent+string(filepath.Separator))
}

// ReadFileTool reads file contents from the workspace.
type ReadFileTool struct {
	workspace string
	restrict  bool
}

func NewReadFileTool(workspace string, restrict bool) *ReadFileTool {
	return &ReadFileTool{workspace: workspace, restrict: restrict}
}

func (t *ReadFileTool) Name() string        { return "read_file" }
func (t *ReadFileTool) Description() string { return "Read the contents of a file" }
func (t *ReadFileTool) Tier() Tier          { return TierSafe }

func (t *ReadFileTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Path to the file, relative to the workspace",
			},
		},
		"required": []string{"path"},
	}
}

func (t *ReadFileTool) Execute(_ context.Context, args map[string]any) *Result {
	path, _ := args["path"].(string)
	if path == "" {
		return ErrorResult("path is required")
	}
	resolved, err := resolvePath(path, t.workspace, t.restrict)
	if err != nil {
		return ErrorResult("%s", err.Error())
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return ErrorResult("read file: %v", err)
	}
	return NewResult(string(data))
}

// WriteFileTool writes file contents. Gated, but writes that stay inside
// the workspace auto-approve.
type WriteFileTool struct {
	workspace string
	restrict  bool
}

func NewWriteFileTool(workspace string, restrict bool) *WriteFileTool {
	return &WriteFileTool{workspace: workspace, restrict: restrict}
}

func (t *WriteFileTool) Name() string        { return "write_file" }
func (t *WriteFileTool) Description() string { return "Write content to a file, creating parent directories as needed" }
func (t *WriteFileTool) Tier() Tier          { return TierGated }

func (t *WriteFileTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Path to the file, relative to the workspace",
			},
			"content": map[string]any{
				"type":        "string",
				"description": "Full content to write",
			},
		},
		"required": []string{"path", "content"},
	}
}

func (t *WriteFileTool) AutoApprove(args map[string]any) bool {
	path, _ := args["path"].(string)
	if path == "" {
		return false
	}
	resolved, err := resolvePath(path, t.workspace, true)
	if err != nil {
		return false
	}
	wsReal, err := filepath.EvalSymlinks(t.workspace)
	if err != nil {
		wsReal, _ = filepath.Abs(t.workspace)
	}
	return isPathInside(resolved, wsReal)
}

func (t *WriteFileTool) Execute(_ context.Context, args map[string]any) *Result {
	path, _ := args["path"].(string)
	content, _ := args["content"].(string)
	if path == "" {
		return ErrorResult("path is required")
	}
	resolved, err := resolvePath(path, t.workspace, t.restrict)
	if err != nil {
		return ErrorResult("%s", err.Error())
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return ErrorResult("create directory: %v", err)
	}
	if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		return ErrorResult("write file: %v", err)
	}
	return NewResult(fmt.Sprintf("wrote %d bytes to %s", len(content), path))
}

// ListFilesTool lists a directory.
type ListFilesTool struct {
	workspace string
	restrict  bool
}

func NewListFilesTool(workspace string, restrict bool) *ListFilesTool {
	return &ListFilesTool{workspace: workspace, restrict: restrict}
}

func (t *ListFilesTool) Name() string        { return "list_files" }
func (t *ListFilesTool) Description() string { return "List the entries of a directory" }
func (t *ListFilesTool) Tier() Tier          { return TierSafe }

func (t *ListFilesTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Directory path, relative to the workspace (default: workspace root)",
			},
		},
	}
}

func (t *ListFilesTool) Execute(_ context.Context, args map[string]any) *Result {
	path, _ := args["path"].(string)
	if path == "" {
		path = "."
	}
	resolved, err := resolvePath(path, t.workspace, t.restrict)
	if err != nil {
		return ErrorResult("%s", err.Error())
	}
	entries, err := os.ReadDir(resolved)
	if err != nil {
		return ErrorResult("list files: %v", err)
	}
	var b strings.Builder
	for _, e := range entries {
		if e.IsDir() {
			fmt.Fprintf(&b, "%s/\n", e.Name())
			continue
		}
		fmt.Fprintf(&b, "%s\n", e.Name())
	}
	if b.Len() == 0 {
		return NewResult("(empty directory)")
	}
	return NewResult(b.String())
}
