package common

// Set at build time through -ldflags.
var (
	Version   = "dev"
	CommitSha = "none"
)
