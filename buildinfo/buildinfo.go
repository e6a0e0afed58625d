package buildinfo

import "fmt"

// Set at link time with -ldflags "-X github.com/textileio/auctionhouse/buildinfo.<Var>=<value>".
var (
	// GitCommit is the git commit sha.
	GitCommit = "<unknown>"
	// GitBranch is the git branch.
	GitBranch = "<unknown>"
	// GitState is the git tree state, clean or dirty.
	GitState = "<unknown>"
	// GitSummary is the output of git describe --tags --dirty --always.
	GitSummary = "<unknown>"
	// BuildDate is the build date.
	BuildDate = "<unknown>"
	// Version is the release version.
	Version = "<unknown>"
)

// Summary returns a one-line description of the build.
func Summary() string {
	return fmt.Sprintf("%s (%s, commit %s, branch %s, state %s, built %s)",
		Version, GitSummary, GitCommit, GitBranch, GitState, BuildDate)
}
