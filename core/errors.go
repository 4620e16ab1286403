package core

import (
	"errors"
	"fmt"

	"github.com/signalsfoundry/scripthost/codegen"
)

var (
	// ErrScriptNotFound indicates no live script has the requested ID.
	ErrScriptNotFound = errors.New("script not found")
	// ErrScriptStarted indicates arguments were set after the script began
	// running.
	ErrScriptStarted = errors.New("script already running")
	// ErrInvalidArgumentIndex indicates a negative argument position.
	ErrInvalidArgumentIndex = errors.New("invalid argument index")
	// errValueTooDeep guards against self-referencing tables.
	errValueTooDeep = errors.New("value nested too deeply")
)

// RuntimeError is an error raised by the interpreter while a script phase
// was executing. Message already has every chunk location resolved to the
// original file and line.
type RuntimeError struct {
	ScriptID int
	Path     string
	Phase    string
	Pos      codegen.SourcePos
	Message  string
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("script %d (%s) %s: %s", e.ScriptID, e.Path, e.Phase, e.Message)
}
