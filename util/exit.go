package util

import "os"

const (
	ExitCodeStartFailed      = 1001
	ExitCodeHttpServerFailed = 1002
)

// OsExit is a variable so tests can intercept process termination.
var OsExit = os.Exit
