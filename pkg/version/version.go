// Package version derives the service version from build metadata.
//
// Priority: -ldflags override > VCS info from debug.BuildInfo > "dev".
package version

import "runtime/debug"

// AppName appears in version strings and the health endpoint.
const AppName = "dirigent"

// gitCommitOverride is set via -ldflags for container builds where .git is
// unavailable. Empty means no override.
var gitCommitOverride string

// GitCommit is the short commit hash (8 chars), or "dev" when build info is
// unavailable (go test, non-git builds).
var GitCommit = initGitCommit()

func initGitCommit() string {
	if commit := gitCommitOverride; commit != "" {
		return shorten(commit)
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "dev"
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" && s.Value != "" {
			return shorten(s.Value)
		}
	}
	return "dev"
}

func shorten(rev string) string {
	if len(rev) > 8 {
		return rev[:8]
	}
	return rev
}

// Full returns "dirigent/<commit>" for user-agent strings and logs.
func Full() string {
	return AppName + "/" + GitCommit
}
