package version

import "fmt"

// Set with -ldflags "-X github.com/bl8ckfz/dealer-engine/internal/version.Version=..." at build time
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// String renders the build as "dealer-engine <version> (<commit>, built <date>)"
func String() string {
	return fmt.Sprintf("dealer-engine %s (%s, built %s)", Version, shortCommit(Commit), BuildDate)
}

func shortCommit(c string) string {
	if len(c) > 12 {
		return c[:12]
	}
	return c
}
