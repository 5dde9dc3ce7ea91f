package proc

import (
	"fmt"
	"os/exec"
	"sort"
	"strings"

	"github.com/loykin/taskwire/internal/logger"
)

// Spec describes one deployment to spawn: the process-level configuration of
// a named, spawnable bundle of components.
type Spec struct {
	Name         string            `json:"name"`
	Deployment   string            `json:"deployment"`    // deployment bundle identifier
	Command      string            `json:"command"`       // command to start the process (shell)
	Args         []string          `json:"args"`          // extra arguments appended to the command
	WorkDir      string            `json:"work_dir"`      // working dir; the server assigns one when empty
	Env          []string          `json:"env"`           // optional extra env
	NameMappings map[string]string `json:"name_mappings"` // per-client task name overrides
	Cleanup      []string          `json:"cleanup"`       // commands run before a graceful stop
	Log          logger.Config     `json:"log"`
}

// BuildCommand constructs an *exec.Cmd for the spec.
// It avoids invoking a shell when not necessary, and it also respects an
// explicit shell invocation already present in the command string
// (e.g., "sh -c 'echo hi'"), avoiding double-wrapping with another shell.
func (s *Spec) BuildCommand() *exec.Cmd {
	cmdStr := strings.TrimSpace(s.Command)
	if cmdStr == "" {
		// #nosec G204
		return exec.Command("/bin/true")
	}
	if _, afterC, ok := parseExplicitShell(cmdStr); ok {
		// Always use an absolute shell path to avoid PATH dependency when Env is overridden.
		// #nosec G204
		return exec.Command("/bin/sh", "-c", afterC)
	}
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		// #nosec G204
		return exec.Command("/bin/sh", "-c", cmdStr)
	}
	parts := strings.Fields(cmdStr)
	name := parts[0]
	args := parts[1:]
	args = append(args, s.Args...)
	// #nosec G204
	return exec.Command(name, args...)
}

// MappingEnv renders NameMappings as a single environment entry consumed by
// the spawned runtime. Keys are sorted so the value is deterministic.
func (s *Spec) MappingEnv() string {
	if len(s.NameMappings) == 0 {
		return ""
	}
	keys := make([]string, 0, len(s.NameMappings))
	for k := range s.NameMappings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, fmt.Sprintf("%s:%s", k, s.NameMappings[k]))
	}
	return "TASKWIRE_NAME_MAP=" + strings.Join(pairs, ",")
}

// parseExplicitShell detects patterns like "sh -c <ARG>" or "/bin/sh -c <ARG>"
// at the beginning of cmdStr. It returns (shellPath, afterCArg, true) when
// matched, preserving the substring after "-c " verbatim to avoid breaking
// quoting.
func parseExplicitShell(cmdStr string) (string, string, bool) {
	trim := strings.TrimLeft(cmdStr, " \t")
	candidates := []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "}
	for _, p := range candidates {
		if strings.HasPrefix(trim, p) {
			after := trim[len(p):]
			if n := len(after); n >= 2 {
				if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
					after = after[1 : n-1]
				}
			}
			return strings.Fields(p)[0], after, true
		}
	}
	return "", "", false
}
