package tools

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"
)

const shellTimeout = 60 * time.Second

// defaultDenyPatterns block command shapes that must never reach a shell,
// approved or not. They complement the approval gate, not replace it.
var defaultDenyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\brm\s+-[rf]{1,2}\b`),
	regexp.MustCompile(`\brm\s+.*--(recursive|force)`),
	regexp.MustCompile(`\bdd\s+if=`),
	regexp.MustCompile(`\bmkfs\b`),
	regexp.MustCompile(`\b(shutdown|reboot|poweroff|halt)\b`),
	regexp.MustCompile(`>\s*/dev/sd[a-z]\b`),
	regexp.MustCompile(`:\(\)\s*\{.*\};\s*:`), // fork bomb
	regexp.MustCompile(`\b(curl|wget)\b.*\|\s*(ba)?sh\b`),
	regexp.MustCompile(`\bsudo\b`),
	regexp.MustCompile(`\bsu\s+-`),
	regexp.MustCompile(`\b(mount|umount)\b`),
	regexp.MustCompile(`\bchmod\s+[0-7]{3,4}\s+/`),
	regexp.MustCompile(`\bchown\b.*\s+/`),
	regexp.MustCompile(`\bLD_PRELOAD\s*=`),
	regexp.MustCompile(`/var/run/docker\.sock`),
	regexp.MustCompile(`\bcrontab\b`),
	regexp.MustCompile(`\b(killall|pkill)\b`),
	regexp.MustCompile(`\bprintenv\b`),
	regexp.MustCompile(`^\s*env\s*($|\||>)`),
	regexp.MustCompile(`/dev/tcp/`),
	regexp.MustCompile(`\bmkfifo\b`),
}

// readOnlyVerbs are the commands the gate may run without asking. The
// command must also be free of shell plumbing for the verb check to mean
// anything.
var readOnlyVerbs = map[string]bool{
	"ls": true, "cat": true, "head": true, "tail": true, "wc": true,
	"grep": true, "find": true, "pwd": true, "date": true, "whoami": true,
	"df": true, "du": true, "file": true, "stat": true, "which": true,
	"uname": true, "echo": true,
}

// shellPlumbing matches metacharacters that can turn a read-only verb into
// something else.
var shellPlumbing = regexp.MustCompile("[;&|><`$]")

// ShellTool runs a command under sh -c inside the workspace.
type ShellTool struct {
	workspace    string
	denyPatterns []*regexp.Regexp
}

// NewShellTool creates the shell tool. extraDeny patterns come from config
// and are appended to the built-in denylist; invalid patterns are dropped
// by the caller at config load.
func NewShellTool(workspace string, extraDeny []*regexp.Regexp) *ShellTool {
	return &ShellTool{
		workspace:    workspace,
		denyPatterns: append(append([]*regexp.Regexp{}, defaultDenyPatterns...), extraDeny...),
	}
}

func (t *ShellTool) Name() string        { return "shell" }
func (t *ShellTool) Description() string { return "Run a shell command in the workspace and return its output" }
func (t *ShellTool) Tier() Tier          { return TierGated }

func (t *ShellTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{
				"type":        "string",
				"description": "The shell command to execute",
			},
			"reasoning": map[string]any{
				"type":        "string",
				"description": "Why this command is needed (shown to the owner if approval is required)",
			},
		},
		"required": []string{"command"},
	}
}

// AutoApprove passes commands that are a single read-only verb with no
// shell plumbing. Everything else needs the owner.
func (t *ShellTool) AutoApprove(args map[string]any) bool {
	command, _ := args["command"].(string)
	if command == "" || shellPlumbing.MatchString(command) {
		return false
	}
	fields := strings.Fields(command)
	return len(fields) > 0 && readOnlyVerbs[fields[0]]
}

func (t *ShellTool) Execute(ctx context.Context, args map[string]any) *Result {
	command, _ := args["command"].(string)
	if command == "" {
		return ErrorResult("command is required")
	}
	for _, pattern := range t.denyPatterns {
		if pattern.MatchString(command) {
			return ErrorResult("command denied by safety policy: matches %s", pattern.String())
		}
	}

	ctx, cancel := context.WithTimeout(ctx, shellTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = t.workspace

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()

	output := stdout.String()
	if stderr.Len() > 0 {
		if output != "" {
			output += "\n"
		}
		output += "STDERR:\n" + stderr.String()
	}
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return ErrorResult("command timed out after %s", shellTimeout)
		}
		if output == "" {
			output = err.Error()
		}
		return ErrorResult("%s", output)
	}
	if output == "" {
		output = "(command completed with no output)"
	}
	return NewResult(output)
}

// CompileDenyPatterns turns config strings into regexps, skipping and
// reporting ones that do not compile.
func CompileDenyPatterns(patterns []string) ([]*regexp.Regexp, error) {
	var out []*regexp.Regexp
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("deny pattern %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}
