package executor

import (
	"github.com/isdmx/runbox/language"
	"github.com/isdmx/runbox/sandbox"
)

// Errors returned by Service.Execute
var (
	ErrUnsupportedLanguage  = language.ErrUnsupportedLanguage
	ErrSubstrateUnavailable = sandbox.ErrSubstrateUnavailable
)

// Messages reported in Result.Error
const (
	MsgCompilationFailed = "Compilation failed"
	MsgTimedOut          = "Execution timed out"
	MsgImageNotFound     = "Image not found. Please pull the image first."
)

// Exit codes reported when the user's program never produced one
const (
	ExitCodeFault   = 1
	ExitCodeTimeout = 124
)
