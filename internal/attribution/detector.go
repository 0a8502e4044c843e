// Package attribution names the analyst behind an ingestion so reports can
// be traced back to whoever submitted them.
package attribution

import (
	"os"
	"os/exec"
	"strings"
	"sync"
)

// EnvAnalyst overrides analyst detection.
const EnvAnalyst = "THREATGRAPH_ANALYST"

var (
	cachedName string
	once       sync.Once
)

// DetectAnalyst returns the best available analyst name.
// Checks in order: THREATGRAPH_ANALYST env, git config user.name, "unknown".
// The result is cached after the first call.
func DetectAnalyst() string {
	once.Do(func() {
		cachedName = detectAnalystUncached()
	})
	return cachedName
}

// Resolve returns explicit when set, else DetectAnalyst.
func Resolve(explicit string) string {
	if s := strings.TrimSpace(explicit); s != "" {
		return s
	}
	return DetectAnalyst()
}

func detectAnalystUncached() string {
	if name := strings.TrimSpace(os.Getenv(EnvAnalyst)); name != "" {
		return name
	}
	if name := gitUserName(); name != "" {
		return name
	}
	return "unknown"
}

// gitUserName runs `git config --get user.name` and returns the trimmed result.
// Returns empty string on any error.
func gitUserName() string {
	out, err := exec.Command("git", "config", "--get", "user.name").Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}
