package supervisor

import (
	"fmt"
	"regexp"
	"strings"
)

// Validation patterns mirror the teacher's internal/container/podman.go
// injection-prevention regexes, retargeted from container/image names to
// the process names and working directories a Process backend names
// (spec §4.G).
var (
	namePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)
	pathPattern = regexp.MustCompile(`^/[a-zA-Z0-9._/-]*$`)
	envKeyPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
)

// ValidateProcessName validates a managed process's name for safe use as a
// log tag and state-directory component.
func ValidateProcessName(name string) error {
	if name == "" {
		return fmt.Errorf("supervisor: process name cannot be empty")
	}
	if len(name) > 255 {
		return fmt.Errorf("supervisor: process name too long (max 255 chars)")
	}
	if !namePattern.MatchString(name) {
		return fmt.Errorf("supervisor: process name contains invalid characters: %s", name)
	}
	return nil
}

// ValidateWorkingDir validates an absolute working directory path.
func ValidateWorkingDir(path string) error {
	if path == "" {
		return nil
	}
	if !strings.HasPrefix(path, "/") {
		return fmt.Errorf("supervisor: working_dir must be absolute: %s", path)
	}
	if !pathPattern.MatchString(path) {
		return fmt.Errorf("supervisor: working_dir contains invalid characters: %s", path)
	}
	if strings.Contains(path, "..") {
		return fmt.Errorf("supervisor: working_dir must not contain '..': %s", path)
	}
	return nil
}

// ValidateEnv validates every key in an environment map.
func ValidateEnv(env map[string]string) error {
	for k := range env {
		if !envKeyPattern.MatchString(k) {
			return fmt.Errorf("supervisor: invalid environment variable name: %s", k)
		}
	}
	return nil
}
