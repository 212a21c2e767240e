package process

import (
	"errors"
	"os/exec"
	"strings"
)

// Spec describes a command to launch.
// When Args is empty, Command is treated as a full command line.
type Spec struct {
	Name    string   `json:"name"`
	Command string   `json:"command"`  // executable, or a full command line when Args is empty
	Args    []string `json:"args"`     // optional explicit argv (no shell involved)
	WorkDir string   `json:"work_dir"` // optional working dir
	Env     []string `json:"env"`      // optional full environment ("K=V")
}

// Validate checks the minimal requirements for launching.
func (s Spec) Validate() error {
	if strings.TrimSpace(s.Command) == "" {
		return errors.New("command is required")
	}
	return nil
}

// CommandLine returns the literal command line as it is shown to clients.
func (s Spec) CommandLine() string {
	cmd := strings.TrimSpace(s.Command)
	if len(s.Args) == 0 {
		return cmd
	}
	return cmd + " " + strings.Join(s.Args, " ")
}

// BuildCommand constructs an *exec.Cmd for the spec.
// With explicit Args the command is executed directly. Otherwise the command line
// is split on whitespace, unless it already invokes a shell explicitly
// (e.g. "sh -c 'echo hi'") or contains shell metacharacters, in which case it
// is run through the platform shell without double-wrapping.
func (s Spec) BuildCommand() *exec.Cmd {
	cmdStr := strings.TrimSpace(s.Command)
	if len(s.Args) > 0 {
		// #nosec G204
		return exec.Command(cmdStr, s.Args...)
	}
	if cmdStr == "" {
		return getTrueCommand()
	}
	if afterC, ok := parseExplicitShell(cmdStr); ok {
		return getShellCommand(afterC)
	}
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		return getShellCommand(cmdStr)
	}
	parts := strings.Fields(cmdStr)
	// #nosec G204
	return exec.Command(parts[0], parts[1:]...)
}

// parseExplicitShell detects "sh -c <ARG>" style prefixes and returns the script.
// The substring after "-c " is preserved verbatim; one pair of wrapping quotes is
// stripped so redirection inside the script still works.
func parseExplicitShell(cmdStr string) (string, bool) {
	trim := strings.TrimLeft(cmdStr, " \t")
	for _, p := range []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "} {
		if !strings.HasPrefix(trim, p) {
			continue
		}
		after := trim[len(p):]
		if n := len(after); n >= 2 {
			if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
				after = after[1 : n-1]
			}
		}
		return after, true
	}
	return "", false
}
