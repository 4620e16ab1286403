package model

import "fmt"

// ScriptType is the declared type tag of a script.
type ScriptType string

const (
	ScriptTypePackage    ScriptType = "Package"
	ScriptTypeStage      ScriptType = "Stage"
	ScriptTypeSingle     ScriptType = "Single"
	ScriptTypePlural     ScriptType = "Plural"
	ScriptTypePlayer     ScriptType = "Player"
	ScriptTypeShotCustom ScriptType = "ShotCustom"
	ScriptTypeItemCustom ScriptType = "ItemCustom"
)

// IsStageScene reports whether scripts of this type belong to the play scene
// and are force-closed on scene transitions. Only package scripts outlive a
// scene.
func (t ScriptType) IsStageScene() bool {
	return t != ScriptTypePackage
}

// ScriptState is a position in the script lifecycle. States only move
// forward, except that Running may repeat.
type ScriptState int

const (
	StateNotCompiled ScriptState = iota
	StateCompiled
	StateLoadingComplete
	StateRunning
	StateTerminated
	StateClosed
)

// ScriptStates lists every state in lifecycle order.
var ScriptStates = []ScriptState{
	StateNotCompiled,
	StateCompiled,
	StateLoadingComplete,
	StateRunning,
	StateTerminated,
	StateClosed,
}

func (s ScriptState) String() string {
	switch s {
	case StateNotCompiled:
		return "not_compiled"
	case StateCompiled:
		return "compiled"
	case StateLoadingComplete:
		return "loading_complete"
	case StateRunning:
		return "running"
	case StateTerminated:
		return "terminated"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}
