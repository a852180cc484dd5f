// Package verify checks a completed task's output artifact against the
// task's declared policy.
package verify

import (
	"fmt"
	"os"
	"strings"
)

// Policies recognized by Check.
const (
	PolicyFileExists = "file_exists"
	PolicyExitCode0  = "exit_code_0"
)

// Check applies the named policy to the artifact at path. It never fails
// with an error: an unknown policy is simply a failed verification with an
// explanatory message.
//
// Both policies share the same physical check (file exists with nonzero
// size): verification is artifact-based, not process-based.
func Check(policy, path string) (bool, string) {
	name := strings.ToLower(strings.TrimSpace(policy))
	if name == "" {
		name = PolicyFileExists
	}
	switch name {
	case PolicyFileExists:
		ok := nonEmptyFile(path)
		if ok {
			return true, fmt.Sprintf("Output file exists: %s", path)
		}
		return false, fmt.Sprintf("Output file missing: %s", path)
	case PolicyExitCode0:
		if nonEmptyFile(path) {
			return true, "Exit code verification: passed"
		}
		return false, "Exit code verification: failed"
	default:
		return false, fmt.Sprintf("Unknown verify type: %s", name)
	}
}

func nonEmptyFile(path string) bool {
	st, err := os.Stat(path)
	return err == nil && st.Size() > 0
}
