package core

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/signalsfoundry/scripthost/model"
	"github.com/signalsfoundry/scripthost/value"
	lua "github.com/yuin/gopher-lua"
)

// registerHostAPI installs the host functions as globals. Every function is
// a closure over its script; nothing is looked up through interpreter
// globals.
func (s *Script) registerHostAPI() {
	api := map[string]lua.LGFunction{
		"GetOwnScriptID":         s.apiGetOwnScriptID,
		"GetScriptArgument":      s.apiGetScriptArgument,
		"GetScriptArgumentCount": s.apiGetScriptArgumentCount,
		"SetScriptResult":        s.apiSetScriptResult,
		"GetScriptResult":        s.apiGetScriptResult,
		"SetScriptArgument":      s.apiSetScriptArgument,
		"LoadScript":             s.apiLoadScript,
		"CloseScript":            s.apiCloseScript,
		"IsCloseScript":          s.apiIsCloseScript,
		"NotifyEventAll":         s.apiNotifyEventAll,
		"GetEventType":           s.apiGetEventType,
		"GetEventArgument":       s.apiGetEventArgument,
		"StartTask":              s.apiStartTask,
		"yield":                  s.apiYield,
		"SetAutoDeleteObject":    s.apiSetAutoDeleteObject,
		"Obj_Create":             s.apiObjCreate,
		"Obj_Delete":             s.apiObjDelete,
		"Obj_IsDeleted":          s.apiObjIsDeleted,
		"RaiseError":             s.apiRaiseError,
		"WriteLog":               s.apiWriteLog,
	}
	for name, fn := range api {
		s.L.SetGlobal(name, s.L.NewFunction(fn))
	}
}

func (s *Script) ctx() context.Context {
	if s.callCtx != nil {
		return s.callCtx
	}
	return context.Background()
}

// checkValue converts argument n, raising a script error on unsupported
// types.
func checkValue(L *lua.LState, n int) value.Value {
	v, err := fromLua(L.Get(n))
	if err != nil {
		L.ArgError(n, err.Error())
	}
	return v
}

func (s *Script) apiGetOwnScriptID(L *lua.LState) int {
	L.Push(lua.LNumber(s.id))
	return 1
}

func (s *Script) apiGetScriptArgument(L *lua.LState) int {
	L.Push(toLua(L, s.GetScriptArgument(L.CheckInt(1))))
	return 1
}

func (s *Script) apiGetScriptArgumentCount(L *lua.LState) int {
	L.Push(lua.LNumber(s.ScriptArgumentCount()))
	return 1
}

func (s *Script) apiSetScriptResult(L *lua.LState) int {
	L.Push(lua.LBool(s.SetScriptResult(checkValue(L, 1))))
	return 1
}

func (s *Script) apiGetScriptResult(L *lua.LState) int {
	L.Push(toLua(L, s.manager.GetScriptResult(L.CheckInt(1))))
	return 1
}

func (s *Script) apiSetScriptArgument(L *lua.LState) int {
	id := L.CheckInt(1)
	index := L.CheckInt(2)
	v := checkValue(L, 3)
	err := s.manager.SetScriptArgument(id, index, v)
	L.Push(lua.LBool(err == nil))
	return 1
}

// apiLoadScript compiles another script of the caller's type and version
// and returns its ID. Relative paths resolve against the caller's file.
func (s *Script) apiLoadScript(L *lua.LState) int {
	path := L.CheckString(1)
	if !filepath.IsAbs(path) {
		path = filepath.Join(filepath.Dir(s.path), path)
	}
	typ := s.typ
	if raw := L.OptString(2, ""); raw != "" {
		typ = model.ScriptType(raw)
	}
	if s.manager.loadDepth() >= MaxLoadDepth {
		L.RaiseError("LoadScript nesting exceeds %d while loading %s", MaxLoadDepth, path)
		return 0
	}
	child := s.manager.NewScript(s.ctx(), path, typ, s.version)
	L.Push(lua.LNumber(child.ID()))
	return 1
}

func (s *Script) apiCloseScript(L *lua.LState) int {
	target, ok := s.manager.Get(L.CheckInt(1))
	if !ok {
		L.Push(lua.LFalse)
		return 1
	}
	target.Terminate(s.ctx())
	L.Push(lua.LTrue)
	return 1
}

func (s *Script) apiIsCloseScript(L *lua.LState) int {
	target, ok := s.manager.Get(L.CheckInt(1))
	closing := !ok || target.State() >= model.StateTerminated || target.closeRequested
	L.Push(lua.LBool(closing))
	return 1
}

func (s *Script) apiNotifyEventAll(L *lua.LState) int {
	eventType := L.CheckInt(1)
	args := make([]value.Value, 0, L.GetTop()-1)
	for i := 2; i <= L.GetTop(); i++ {
		args = append(args, checkValue(L, i))
	}
	s.manager.NotifyEventAll(s.ctx(), eventType, args...)
	return 0
}

func (s *Script) apiGetEventType(L *lua.LState) int {
	if s.current == nil {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(lua.LNumber(s.current.typ))
	return 1
}

func (s *Script) apiGetEventArgument(L *lua.LState) int {
	index := L.CheckInt(1)
	if s.current == nil || index < 0 || index >= len(s.current.args) {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(toLua(L, s.current.args[index]))
	return 1
}

func (s *Script) apiStartTask(L *lua.LState) int {
	fn := L.CheckFunction(1)
	var args []lua.LValue
	for i := 2; i <= L.GetTop(); i++ {
		args = append(args, L.Get(i))
	}
	s.startTask(fn, args)
	return 0
}

// apiYield suspends the current coroutine (Loading, MainLoop or a task)
// until the next frame.
func (s *Script) apiYield(L *lua.LState) int {
	if L.Parent == nil {
		L.RaiseError("yield called outside Loading, MainLoop or a task")
		return 0
	}
	return L.Yield()
}

func (s *Script) apiSetAutoDeleteObject(L *lua.LState) int {
	s.SetAutoDeleteObjectEnable(L.CheckBool(1))
	return 0
}

func (s *Script) apiObjCreate(L *lua.LState) int {
	objType := L.OptString(1, "object")
	pool := s.manager.pool
	if pool == nil {
		L.Push(lua.LNumber(-1))
		return 1
	}
	id := pool.CreateObject(objType, s.id)
	s.AddAutoDeleteTargetObjectID(id)
	L.Push(lua.LNumber(id))
	return 1
}

func (s *Script) apiObjDelete(L *lua.LState) int {
	id := L.CheckInt(1)
	if pool := s.manager.pool; pool != nil {
		pool.DeleteObject(id)
	}
	s.removeAutoDeleteTargetObjectID(id)
	return 0
}

func (s *Script) apiObjIsDeleted(L *lua.LState) int {
	id := L.CheckInt(1)
	deleted := true
	if pool := s.manager.pool; pool != nil {
		deleted = pool.IsDeleted(id)
	}
	L.Push(lua.LBool(deleted))
	return 1
}

func (s *Script) apiRaiseError(L *lua.LState) int {
	L.RaiseError("%s", L.CheckString(1))
	return 0
}

func (s *Script) apiWriteLog(L *lua.LState) int {
	parts := make([]string, 0, L.GetTop())
	for i := 1; i <= L.GetTop(); i++ {
		parts = append(parts, L.ToStringMeta(L.Get(i)).String())
	}
	s.log.Info(s.ctx(), strings.Join(parts, " "))
	return 0
}
