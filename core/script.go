package core

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/agnivade/levenshtein"
	"github.com/signalsfoundry/scripthost/codegen"
	"github.com/signalsfoundry/scripthost/internal/logging"
	"github.com/signalsfoundry/scripthost/model"
	"github.com/signalsfoundry/scripthost/value"
	lua "github.com/yuin/gopher-lua"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
)

// Entry points a script may define.
const (
	EntryLoading    = "Loading"
	EntryInitialize = "Initialize"
	EntryMainLoop   = "MainLoop"
	EntryEvent      = "Event"

	phaseCompile = "compile"
	phaseTask    = "task"
)

// Termination causes reported to the metrics recorder.
const (
	CauseNormal = "normal"
	CauseError  = "error"
)

// Delivery is the outcome of handing an event to one script.
type Delivery int

const (
	// DeliveryDropped means the script could not accept the event.
	DeliveryDropped Delivery = iota
	// DeliveryQueued means the event was buffered for a later frame.
	DeliveryQueued
	// DeliveryDelivered means the Event entry point ran to completion.
	DeliveryDelivered
	// DeliveryFailed means the Event entry point raised an error.
	DeliveryFailed
)

func (d Delivery) String() string {
	switch d {
	case DeliveryQueued:
		return "queued"
	case DeliveryDelivered:
		return "delivered"
	case DeliveryFailed:
		return "failed"
	default:
		return "dropped"
	}
}

type event struct {
	typ  int
	args []value.Value
}

type task struct {
	th      *lua.LState
	fn      *lua.LFunction
	args    []lua.LValue
	started bool
}

// Script is one interpreter instance bound to one compiled program.
//
// Lifecycle methods are driven from a single goroutine (the one calling
// ScriptManager.RunAll). State, error and call-boundary accessors are safe
// to call from any goroutine.
type Script struct {
	id       int
	path     string
	typ      model.ScriptType
	version  string
	stgScene bool

	manager *ScriptManager
	log     logging.Logger

	// mu guards the fields below it that are read from other goroutines.
	mu        sync.RWMutex
	state     model.ScriptState
	errMsg    string
	err       error
	args      map[int]value.Value
	result    value.Value
	hasResult bool

	program   *codegen.Program
	L         *lua.LState
	loadingCo *lua.LState
	mainCo    *lua.LState
	tasks     []*task

	busy           bool
	callCtx        context.Context
	pending        []event
	early          []event
	current        *event
	closeRequested bool

	autoDelete    bool
	autoDeleteIDs map[int]struct{}
}

func newScript(id int, path string, typ model.ScriptType, version string, m *ScriptManager) *Script {
	log := logging.Noop()
	if m != nil && m.log != nil {
		log = m.log
	}
	return &Script{
		id:            id,
		path:          path,
		typ:           typ,
		version:       version,
		stgScene:      typ.IsStageScene(),
		manager:       m,
		log:           log.With(logging.Int("script_id", id), logging.String("script_path", path)),
		state:         model.StateNotCompiled,
		args:          make(map[int]value.Value),
		autoDeleteIDs: make(map[int]struct{}),
	}
}

// ID returns the script's immutable identifier.
func (s *Script) ID() int { return s.id }

// Path returns the entry source file.
func (s *Script) Path() string { return s.path }

// Type returns the declared script type.
func (s *Script) Type() model.ScriptType { return s.typ }

// Version returns the declared engine version string.
func (s *Script) Version() string { return s.version }

// IsStageScene reports whether the script is closed on scene transitions.
func (s *Script) IsStageScene() bool { return s.stgScene }

// Program returns the compiled program, or nil when compilation failed.
func (s *Script) Program() *codegen.Program { return s.program }

// State returns the current lifecycle state.
func (s *Script) State() model.ScriptState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// IsClosed reports whether the script reached Closed.
func (s *Script) IsClosed() bool {
	return s.State() == model.StateClosed
}

// ErrorMessage returns the recorded failure text, empty unless the script
// terminated because of an error.
func (s *Script) ErrorMessage() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.errMsg
}

// Err returns the typed failure: a *codegen.Error for compile failures or a
// *RuntimeError for interpreter errors.
func (s *Script) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// compile builds the program, prepares a fresh interpreter and runs the
// chunk's top level so entry points get defined.
func (s *Script) compile(ctx context.Context, c *codegen.Compiler) {
	if s.State() != model.StateNotCompiled {
		return
	}
	prog, err := c.Compile(s.path)
	if err != nil {
		s.terminate(ctx, err.Error(), err)
		return
	}
	s.program = prog
	s.L = newInterpreter()
	s.registerHostAPI()

	ok := s.call(ctx, phaseCompile, func() error {
		return s.L.CallByParam(lua.P{
			Fn:      s.L.NewFunctionFromProto(prog.Proto),
			NRet:    0,
			Protect: true,
		})
	})
	if !ok {
		return
	}
	s.setState(model.StateCompiled)
	s.log.Debug(ctx, "script compiled", logging.String("type", string(s.typ)))
	s.afterCall(ctx)
}

func newInterpreter() *lua.LState {
	L := lua.NewState(lua.Options{
		SkipOpenLibs:        true,
		CallStackSize:       120,
		RegistrySize:        1024,
		RegistryMaxSize:     1024 * 64,
		MinimizeStackMemory: true,
	})
	for _, lib := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
		{lua.CoroutineLibName, lua.OpenCoroutine},
	} {
		if err := L.CallByParam(lua.P{
			Fn:      L.NewFunction(lib.fn),
			NRet:    0,
			Protect: true,
		}, lua.LString(lib.name)); err != nil {
			panic(fmt.Sprintf("open %s library: %v", lib.name, err))
		}
	}
	return L
}

// run advances the script by whichever phase its state calls for.
func (s *Script) run(ctx context.Context) {
	switch s.State() {
	case model.StateCompiled:
		s.RunLoading(ctx)
	case model.StateLoadingComplete:
		s.RunInitialize(ctx)
	case model.StateRunning:
		s.RunMainLoop(ctx)
	}
}

// RunLoading advances the Loading entry point. A Loading function that
// yields is resumed on the next call; the state moves to LoadingComplete only
// once it returns. It is a no-op outside Compiled.
func (s *Script) RunLoading(ctx context.Context) {
	if s.busy || s.State() != model.StateCompiled {
		return
	}
	done, ok := s.resume(ctx, EntryLoading, &s.loadingCo)
	if !ok {
		return
	}
	if done {
		s.setState(model.StateLoadingComplete)
		s.log.Debug(ctx, "script loading complete")
	}
	s.afterCall(ctx)
}

// RunInitialize runs the Initialize entry point once and enters Running.
// It is a no-op outside LoadingComplete.
func (s *Script) RunInitialize(ctx context.Context) {
	if s.busy || s.State() != model.StateLoadingComplete {
		return
	}
	if fn, ok := s.L.GetGlobal(EntryInitialize).(*lua.LFunction); ok {
		if !s.call(ctx, EntryInitialize, func() error {
			return s.L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true})
		}) {
			return
		}
	}
	s.setState(model.StateRunning)
	s.log.Debug(ctx, "script running")
	s.afterCall(ctx)

	early := s.early
	s.early = nil
	for _, ev := range early {
		if s.State() != model.StateRunning {
			break
		}
		s.deliver(ctx, ev)
	}

	if s.finished() {
		s.terminate(ctx, "", nil)
		return
	}
	s.afterCall(ctx)
}

// RunMainLoop executes one frame: events queued while the script was busy,
// then the MainLoop entry point, then every live task once. It is a no-op
// outside Running.
func (s *Script) RunMainLoop(ctx context.Context) {
	if s.busy || s.State() != model.StateRunning {
		return
	}

	pending := s.pending
	s.pending = nil
	for _, ev := range pending {
		if s.State() != model.StateRunning {
			return
		}
		s.deliver(ctx, ev)
	}
	if s.State() != model.StateRunning {
		return
	}

	if s.hasEntry(EntryMainLoop) || s.mainCo != nil {
		if _, ok := s.resume(ctx, EntryMainLoop, &s.mainCo); !ok {
			return
		}
	}
	if !s.runTasks(ctx) {
		return
	}
	if s.finished() {
		s.terminate(ctx, "", nil)
		return
	}
	s.afterCall(ctx)
}

// finished reports a running script that has nothing left to execute: no
// MainLoop, no Event handler and no live coroutine.
func (s *Script) finished() bool {
	return s.State() == model.StateRunning &&
		!s.hasEntry(EntryMainLoop) && !s.hasEntry(EntryEvent) &&
		s.mainCo == nil && len(s.tasks) == 0
}

// NotifyEvent hands an event to the script's Event entry point.
//
// A running script that is idle handles the event synchronously. A running
// script that is busy (the event was raised from inside one of its own
// calls) queues it for the start of its next frame. Stage-scene scripts that
// have not started running yet buffer the event until they do; every other
// script drops it.
func (s *Script) NotifyEvent(ctx context.Context, eventType int, args ...value.Value) Delivery {
	ev := event{typ: eventType, args: append([]value.Value(nil), args...)}
	switch s.State() {
	case model.StateRunning:
		if s.busy {
			s.pending = append(s.pending, ev)
			return DeliveryQueued
		}
		return s.deliver(ctx, ev)
	case model.StateNotCompiled, model.StateCompiled, model.StateLoadingComplete:
		if s.stgScene {
			s.early = append(s.early, ev)
			return DeliveryQueued
		}
		return DeliveryDropped
	default:
		return DeliveryDropped
	}
}

func (s *Script) deliver(ctx context.Context, ev event) Delivery {
	fn, ok := s.L.GetGlobal(EntryEvent).(*lua.LFunction)
	if !ok {
		return DeliveryDropped
	}
	s.current = &ev
	defer func() { s.current = nil }()
	if !s.call(ctx, EntryEvent, func() error {
		return s.L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true},
			lua.LNumber(ev.typ), argsTable(s.L, ev.args))
	}) {
		return DeliveryFailed
	}
	s.afterCall(ctx)
	return DeliveryDelivered
}

// Terminate requests termination without an error. When the script is
// executing, termination takes effect as soon as the current call returns.
func (s *Script) Terminate(ctx context.Context) {
	if s.busy {
		s.closeRequested = true
		return
	}
	s.terminate(ctx, "", nil)
}

// Close terminates the script if needed, releases the interpreter and
// enters Closed. Closing a closed script is a no-op, and a script that is
// executing is left alone until its call returns.
func (s *Script) Close(ctx context.Context) {
	if s.busy {
		s.closeRequested = true
		return
	}
	switch s.State() {
	case model.StateClosed:
		return
	case model.StateTerminated:
	default:
		s.terminate(ctx, "", nil)
	}
	s.setState(model.StateClosed)
	if s.L != nil {
		s.L.Close()
		s.L = nil
	}
	s.log.Debug(ctx, "script closed")
}

// SetScriptArgument stores the argument at position index. Arguments can
// only be set before the script starts running.
func (s *Script) SetScriptArgument(index int, v value.Value) error {
	if index < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidArgumentIndex, index)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state >= model.StateRunning {
		return ErrScriptStarted
	}
	s.args[index] = v
	return nil
}

// GetScriptArgument returns the argument at index, or value.Nil() when unset.
func (s *Script) GetScriptArgument(index int) value.Value {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.args[index]; ok {
		return v
	}
	return value.Nil()
}

// ScriptArgumentCount returns how many argument slots have been set.
func (s *Script) ScriptArgumentCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.args)
}

// SetScriptResult stores the script's result. Only the first call has an
// effect; later calls return false and leave the stored value untouched.
func (s *Script) SetScriptResult(v value.Value) bool {
	s.mu.Lock()
	if s.hasResult {
		s.mu.Unlock()
		return false
	}
	s.result = v
	s.hasResult = true
	s.mu.Unlock()

	if s.manager != nil {
		s.manager.recordResult(s.id, v)
	}
	return true
}

// GetScriptResult returns the stored result, or value.Nil() when none was
// set.
func (s *Script) GetScriptResult() value.Value {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.hasResult {
		return value.Nil()
	}
	return s.result
}

// SetAutoDeleteObjectEnable controls whether the auto-delete set is flushed
// to the object pool when the script terminates.
func (s *Script) SetAutoDeleteObjectEnable(enable bool) {
	s.mu.Lock()
	s.autoDelete = enable
	s.mu.Unlock()
}

// AddAutoDeleteTargetObjectID puts id in the auto-delete set.
func (s *Script) AddAutoDeleteTargetObjectID(id int) {
	s.mu.Lock()
	s.autoDeleteIDs[id] = struct{}{}
	s.mu.Unlock()
}

func (s *Script) removeAutoDeleteTargetObjectID(id int) {
	s.mu.Lock()
	delete(s.autoDeleteIDs, id)
	s.mu.Unlock()
}

func (s *Script) setState(st model.ScriptState) {
	s.mu.Lock()
	if st > s.state {
		s.state = st
	}
	s.mu.Unlock()
}

func (s *Script) hasEntry(name string) bool {
	if s.L == nil {
		return false
	}
	_, ok := s.L.GetGlobal(name).(*lua.LFunction)
	return ok
}

// call runs fn as one interpreter call with the reentrancy guard held. Any
// error or panic terminates the script; call reports whether fn succeeded.
func (s *Script) call(ctx context.Context, phase string, fn func() error) (ok bool) {
	prevCtx := s.callCtx
	s.busy = true
	s.callCtx = ctx
	defer func() {
		s.busy = false
		s.callCtx = prevCtx
		if r := recover(); r != nil {
			s.fail(ctx, phase, fmt.Errorf("panic: %v", r))
			ok = false
		}
	}()
	if err := fn(); err != nil {
		s.fail(ctx, phase, err)
		return false
	}
	return true
}

// resume advances the coroutine running entry. done reports that the entry
// returned (or is not defined); ok is false when the script failed.
func (s *Script) resume(ctx context.Context, entry string, co **lua.LState) (done, ok bool) {
	fn, _ := s.L.GetGlobal(entry).(*lua.LFunction)
	if *co == nil {
		if fn == nil {
			return true, true
		}
		*co, _ = s.L.NewThread()
	}
	th := *co
	var state lua.ResumeState
	ok = s.call(ctx, entry, func() error {
		st, err, _ := s.L.Resume(th, fn)
		state = st
		return err
	})
	if !ok {
		*co = nil
		return false, false
	}
	if state == lua.ResumeYield {
		return false, true
	}
	*co = nil
	return true, true
}

func (s *Script) startTask(fn *lua.LFunction, args []lua.LValue) {
	th, _ := s.L.NewThread()
	s.tasks = append(s.tasks, &task{th: th, fn: fn, args: args})
}

// runTasks resumes each task once. Tasks started during this pass first run
// on the next frame.
func (s *Script) runTasks(ctx context.Context) bool {
	current := s.tasks
	s.tasks = nil
	live := make([]*task, 0, len(current))
	for i, t := range current {
		if s.State() >= model.StateTerminated {
			return false
		}
		if s.closeRequested {
			live = append(live, current[i:]...)
			break
		}
		var args []lua.LValue
		if !t.started {
			args = t.args
			t.started = true
		}
		var state lua.ResumeState
		if !s.call(ctx, phaseTask, func() error {
			st, err, _ := s.L.Resume(t.th, t.fn, args...)
			state = st
			return err
		}) {
			return false
		}
		if state == lua.ResumeYield {
			live = append(live, t)
		}
	}
	s.tasks = append(live, s.tasks...)
	return true
}

// afterCall honours a termination requested while the script was busy.
func (s *Script) afterCall(ctx context.Context) {
	if s.closeRequested && s.State() < model.StateTerminated {
		s.terminate(ctx, "", nil)
	}
}

func (s *Script) fail(ctx context.Context, phase string, err error) {
	if s.State() >= model.StateTerminated {
		return
	}
	raw := interpreterMessage(err)
	raw = s.undefinedCallHint(raw)

	rerr := &RuntimeError{ScriptID: s.id, Path: s.path, Phase: phase, Message: raw}
	if s.program != nil {
		rerr.Message = s.program.Map.Rewrite(s.program.ChunkName, raw)
		rerr.Pos, _ = s.program.Map.FirstPos(s.program.ChunkName, raw)
	}

	_, span := startSpan(ctx, "Script.Fail",
		attribute.Int("script.id", s.id),
		attribute.String("script.path", s.path),
		attribute.String("script.phase", phase),
	)
	span.RecordError(rerr)
	span.SetStatus(otelcodes.Error, rerr.Message)
	span.End()

	s.terminate(ctx, rerr.Message, rerr)
}

// terminate enters Terminated, flushes the auto-delete set and notifies the
// manager. msg is empty for a normal termination.
func (s *Script) terminate(ctx context.Context, msg string, err error) {
	s.mu.Lock()
	if s.state >= model.StateTerminated {
		s.mu.Unlock()
		return
	}
	s.state = model.StateTerminated
	s.errMsg = msg
	s.err = err
	var ids []int
	if s.autoDelete {
		ids = make([]int, 0, len(s.autoDeleteIDs))
		for id := range s.autoDeleteIDs {
			ids = append(ids, id)
		}
		s.autoDeleteIDs = make(map[int]struct{})
	}
	s.mu.Unlock()

	s.loadingCo = nil
	s.mainCo = nil
	s.tasks = nil
	s.pending = nil
	s.early = nil
	s.closeRequested = false

	cause := CauseNormal
	if err != nil {
		cause = CauseError
		s.log.Warn(ctx, "script terminated with error", logging.String("error", msg))
	} else {
		s.log.Debug(ctx, "script terminated")
	}

	if len(ids) > 0 && s.manager != nil && s.manager.pool != nil {
		sort.Ints(ids)
		for _, id := range ids {
			s.manager.pool.DeleteObject(id)
		}
	}
	if s.manager != nil {
		s.manager.scriptTerminated(cause)
	}
}

// interpreterMessage extracts the raised value without the stack trace
// gopher-lua appends to protected-call errors.
func interpreterMessage(err error) string {
	var apiErr *lua.ApiError
	if errors.As(err, &apiErr) && apiErr.Object != nil {
		return apiErr.Object.String()
	}
	return err.Error()
}

var callSitePattern = regexp.MustCompile(`([A-Za-z_]\w*)\s*\(`)

var luaKeywords = map[string]bool{
	"and": true, "elseif": true, "function": true, "if": true, "in": true,
	"not": true, "or": true, "return": true, "until": true, "while": true,
}

// undefinedCallHint names the undefined global behind an "attempt to call"
// error and suggests the closest defined function.
func (s *Script) undefinedCallHint(msg string) string {
	if s.program == nil || s.L == nil || !strings.Contains(msg, "attempt to call a non-function object") {
		return msg
	}
	n, ok := codegen.GeneratedLine(s.program.ChunkName, msg)
	if !ok {
		return msg
	}
	line, ok := s.program.Line(n)
	if !ok {
		return msg
	}
	var name string
	for _, loc := range callSitePattern.FindAllStringSubmatchIndex(line, -1) {
		start, end := loc[2], loc[3]
		if start > 0 && isFieldAccess(line[start-1]) {
			continue
		}
		ident := line[start:end]
		if luaKeywords[ident] {
			continue
		}
		if s.L.GetGlobal(ident) == lua.LNil {
			name = ident
			break
		}
	}
	if name == "" {
		return msg
	}

	best, bestDist := "", -1
	s.L.G.Global.ForEach(func(k, v lua.LValue) {
		key, ok := k.(lua.LString)
		if !ok {
			return
		}
		if _, isFn := v.(*lua.LFunction); !isFn {
			return
		}
		d := levenshtein.ComputeDistance(strings.ToLower(name), strings.ToLower(string(key)))
		if bestDist < 0 || d < bestDist || (d == bestDist && string(key) < best) {
			best, bestDist = string(key), d
		}
	})
	if bestDist >= 0 && bestDist <= maxHintDistance(name) {
		return fmt.Sprintf("%s (undefined function '%s'; did you mean '%s'?)", msg, name, best)
	}
	return fmt.Sprintf("%s (undefined function '%s')", msg, name)
}

func isFieldAccess(c byte) bool {
	return c == '.' || c == ':' || c == '_' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func maxHintDistance(name string) int {
	if d := len(name) / 3; d > 1 {
		return d
	}
	return 1
}
