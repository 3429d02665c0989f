package criteria

import (
	"regexp"
	"strings"

	"github.com/ShayCichocki/stopgate/internal/exec"
)

// RetryRule matches a known failure cause and rewrites the command for one
// more attempt. Each rule fires at most once per criterion run.
type RetryRule struct {
	Name string
	// Match inspects a failed attempt.
	Match func(cmd exec.Command, res *exec.Result) bool
	// Apply returns the modified command.
	Apply func(cmd exec.Command) exec.Command
}

var (
	heapPattern  = regexp.MustCompile(`(?i)(javascript heap out of memory|reached heap limit|allocation failed - process out of memory)`)
	watchPattern = regexp.MustCompile(`(?i)(watch usage|watching for file changes|press [a-z] to|waiting for file changes)`)
	cachePattern = regexp.MustCompile(`(?i)(cache.{0,40}(corrupt|invalid|stale|mismatch)|EINTEGRITY|failed to (read|restore) .{0,20}cache)`)
)

// DefaultRetryRules is the ordered fallback ladder applied after every candidate failed.
func DefaultRetryRules() []RetryRule {
	return []RetryRule{
		{
			Name: "heap-out-of-memory",
			Match: func(cmd exec.Command, res *exec.Result) bool {
				return heapPattern.Match(res.Output)
			},
			Apply: func(cmd exec.Command) exec.Command {
				return withEnv(cmd, "NODE_OPTIONS=--max-old-space-size=4096")
			},
		},
		{
			Name: "watch-mode",
			Match: func(cmd exec.Command, res *exec.Result) bool {
				return isTestCommand(cmd) && (res.TimedOut || watchPattern.Match(res.Output))
			},
			Apply: func(cmd exec.Command) exec.Command {
				out := withEnv(cmd, "CI=true")
				if cmd.Name == "npm" {
					out.Args = append(out.Args, "--", "--watchAll=false")
				}
				return out
			},
		},
		{
			Name: "build-cache",
			Match: func(cmd exec.Command, res *exec.Result) bool {
				return cachePattern.Match(res.Output)
			},
			Apply: func(cmd exec.Command) exec.Command {
				switch cmd.Name {
				case "go":
					return withEnv(cmd, "GOFLAGS=-a")
				case "cargo":
					return withEnv(cmd, "CARGO_INCREMENTAL=0")
				default:
					return withEnv(cmd, "NEXT_DISABLE_CACHE=1", "npm_config_cache_min=0", "BABEL_DISABLE_CACHE=1")
				}
			},
		},
		{
			Name: "ci-mode-timeout",
			Match: func(cmd exec.Command, res *exec.Result) bool {
				return res.TimedOut && !hasEnv(cmd, "CI")
			},
			Apply: func(cmd exec.Command) exec.Command {
				return withEnv(cmd, "CI=true")
			},
		},
	}
}

func isTestCommand(cmd exec.Command) bool {
	if len(cmd.Args) == 0 {
		return cmd.Name == "jest" || cmd.Name == "vitest"
	}
	switch cmd.Name {
	case "npm":
		return cmd.Args[0] == "test" || (cmd.Args[0] == "run" && len(cmd.Args) > 1 && strings.HasPrefix(cmd.Args[1], "test"))
	case "npx":
		for _, a := range cmd.Args {
			if a == "jest" || a == "vitest" {
				return true
			}
		}
	}
	return false
}

func withEnv(cmd exec.Command, kv ...string) exec.Command {
	out := cmd
	out.Args = append([]string(nil), cmd.Args...)
	out.Env = append(append([]string(nil), cmd.Env...), kv...)
	return out
}

func hasEnv(cmd exec.Command, key string) bool {
	for _, kv := range cmd.Env {
		if strings.HasPrefix(kv, key+"=") {
			return true
		}
	}
	return false
}
