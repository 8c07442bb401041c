package tools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestReadWriteRoundTrip(t *testing.T) {
	dir := t.TempDir()
	write := NewWriteFileTool(dir, true)
	read := NewReadFileTool(dir, true)
	ctx := context.Background()

	res := write.Execute(ctx, map[string]any{"path": "notes/today.md", "content": "buy milk"})
	if res.IsError {
		t.Fatalf("write: %+v", res)
	}
	res = read.Execute(ctx, map[string]any{"path": "notes/today.md"})
	if res.IsError || res.Content != "buy milk" {
		t.Fatalf("read: %+v", res)
	}
}

func TestPathEscapeRejected(t *testing.T) {
	dir := t.TempDir()
	read := NewReadFileTool(dir, true)
	ctx := context.Background()

	for _, path := range []string{
		"../outside.txt",
		"a/../../outside.txt",
		"/etc/hostname",
	} {
		res := read.Execute(ctx, map[string]any{"path": path})
		if !res.IsError || !strings.Contains(res.Content, "access denied") {
			t.Errorf("escape not rejected: %q -> %+v", path, res)
		}
	}
}

func TestSymlinkEscapeRejected(t *testing.T) {
	dir := t.TempDir()
	outside := t.TempDir()
	secret := filepath.Join(outside, "secret.txt")
	if err := os.WriteFile(secret, []byte("hidden"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(secret, filepath.Join(dir, "link.txt")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	read := NewReadFileTool(dir, true)
	res := read.Execute(context.Background(), map[string]any{"path": "link.txt"})
	if !res.IsError {
		t.Fatalf("symlink escape not rejected: %+v", res)
	}
}

func TestSensitivePathsRejectedEvenUnrestricted(t *testing.T) {
	dir := t.TempDir()
	read := NewReadFileTool(dir, false)
	ctx := context.Background()

	for _, path := range []string{"/etc/shadow", filepath.Join(dir, "id_rsa")} {
		res := read.Execute(ctx, map[string]any{"path": path})
		if !res.IsError || !strings.Contains(res.Content, "access denied") {
			t.Errorf("sensitive path not rejected: %q -> %+v", path, res)
		}
	}
}

func TestWriteAutoApprove(t *testing.T) {
	dir := t.TempDir()
	write := NewWriteFileTool(dir, true)

	if !write.AutoApprove(map[string]any{"path": "report.txt"}) {
		t.Error("in-workspace write should auto-approve")
	}
	if write.AutoApprove(map[string]any{"path": "../elsewhere.txt"}) {
		t.Error("escaping write must not auto-approve")
	}
	if write.AutoApprove(map[string]any{"path": "/etc/passwd"}) {
		t.Error("sensitive write must not auto-approve")
	}
}

func TestListFiles(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}

	list := NewListFilesTool(dir, true)
	res := list.Execute(context.Background(), nil)
	if res.IsError {
		t.Fatalf("list: %+v", res)
	}
	if !strings.Contains(res.Content, "a.txt") || !strings.Contains(res.Content, "sub/") {
		t.Fatalf("listing = %q", res.Content)
	}
}
