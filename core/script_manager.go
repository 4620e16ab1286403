package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/signalsfoundry/scripthost/codegen"
	"github.com/signalsfoundry/scripthost/internal/logging"
	"github.com/signalsfoundry/scripthost/kb"
	"github.com/signalsfoundry/scripthost/model"
	"github.com/signalsfoundry/scripthost/value"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/signalsfoundry/scripthost/core"

// MaxLoadDepth bounds how many scripts may be compiling at once through
// nested LoadScript calls made from top-level chunks.
const MaxLoadDepth = 64

// ObjectPool is the external object-management collaborator. DeleteObject
// must accept IDs that are unknown or already deleted.
type ObjectPool interface {
	CreateObject(objType string, ownerScriptID int) int
	DeleteObject(id int) bool
	IsDeleted(id int) bool
}

// MetricsRecorder receives script counts and per-tick measurements.
type MetricsRecorder interface {
	SetScriptCounts(byState map[string]int)
	ObserveRunAll(d time.Duration)
	IncTerminations(cause string)
	IncEventDeliveries(outcome string)
}

// ManagerOption customises ScriptManager construction.
type ManagerOption func(*ScriptManager)

// WithCompiler overrides the compiler used by NewScript.
func WithCompiler(c *codegen.Compiler) ManagerOption {
	return func(m *ScriptManager) {
		if c != nil {
			m.compiler = c
		}
	}
}

// WithObjectPool attaches the pool that receives auto-delete signals and
// backs the Obj_* host functions.
func WithObjectPool(p ObjectPool) ManagerOption {
	return func(m *ScriptManager) {
		m.pool = p
	}
}

// WithMetricsRecorder attaches an optional metrics recorder.
func WithMetricsRecorder(r MetricsRecorder) ManagerOption {
	return func(m *ScriptManager) {
		m.metrics = r
	}
}

// ScriptManager owns every live script: it assigns IDs, drives scripts once
// per tick in creation order, broadcasts events and retires terminated
// scripts.
type ScriptManager struct {
	// mu guards scripts, byID, results, nextID and compiling. It is never
	// held while a script executes, so scripts may call back into the
	// manager.
	mu      sync.RWMutex
	scripts []*Script
	byID    map[int]*Script
	results map[int]value.Value
	nextID  int

	// compiling counts NewScript calls currently inside compile.
	compiling int

	compiler *codegen.Compiler
	pool     ObjectPool
	metrics  MetricsRecorder
	log      logging.Logger
}

// NewScriptManager constructs an empty manager. Without WithObjectPool an
// in-memory kb.ObjectStore is used.
func NewScriptManager(log logging.Logger, opts ...ManagerOption) *ScriptManager {
	if log == nil {
		log = logging.Noop()
	}
	m := &ScriptManager{
		byID:     make(map[int]*Script),
		results:  make(map[int]value.Value),
		compiler: codegen.NewCompiler(),
		pool:     kb.NewObjectStore(),
		log:      log,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// ObjectPool returns the pool scripts create objects in.
func (m *ScriptManager) ObjectPool() ObjectPool {
	return m.pool
}

// NewScript registers a script under the next ID and compiles it
// immediately. A script that fails to compile stays registered in
// Terminated so its error can be inspected through Get.
func (m *ScriptManager) NewScript(ctx context.Context, path string, typ model.ScriptType, version string) *Script {
	m.mu.Lock()
	m.nextID++
	s := newScript(m.nextID, path, typ, version, m)
	m.scripts = append(m.scripts, s)
	m.byID[s.id] = s
	m.mu.Unlock()

	m.log.Debug(ctx, "script registered",
		logging.Int("script_id", s.id),
		logging.String("script_path", path),
		logging.String("type", string(typ)),
	)
	m.compileTracked(ctx, s)
	m.updateMetrics()
	return s
}

func (m *ScriptManager) compileTracked(ctx context.Context, s *Script) {
	m.mu.Lock()
	m.compiling++
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.compiling--
		m.mu.Unlock()
	}()
	s.compile(ctx, m.compiler)
}

// loadDepth returns the number of scripts currently compiling.
func (m *ScriptManager) loadDepth() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.compiling
}

// RunAll advances every script by one phase call in creation order. With
// ignoreStageScene set, stage-scene scripts are skipped. Scripts created
// during the sweep first run on the next one.
func (m *ScriptManager) RunAll(ctx context.Context, ignoreStageScene bool) {
	scripts := m.snapshot()
	ctx, span := startSpan(ctx, "ScriptManager.RunAll",
		attribute.Int("scripts", len(scripts)),
		attribute.Bool("ignore_stage_scene", ignoreStageScene),
	)
	defer span.End()

	start := time.Now()
	for _, s := range scripts {
		if ignoreStageScene && s.IsStageScene() {
			continue
		}
		s.run(ctx)
	}
	if m.metrics != nil {
		m.metrics.ObserveRunAll(time.Since(start))
	}
	m.updateMetrics()
}

// Get returns the live script with the given ID.
func (m *ScriptManager) Get(id int) (*Script, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.byID[id]
	return s, ok
}

// Len returns the number of registered scripts.
func (m *ScriptManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.scripts)
}

// Scripts returns the registered scripts in creation order.
func (m *ScriptManager) Scripts() []*Script {
	return m.snapshot()
}

// NotifyEventAll delivers an event to every registered script in creation
// order. A failing handler terminates only its own script.
func (m *ScriptManager) NotifyEventAll(ctx context.Context, eventType int, args ...value.Value) {
	for _, s := range m.snapshot() {
		outcome := s.NotifyEvent(ctx, eventType, args...)
		if m.metrics != nil {
			m.metrics.IncEventDeliveries(outcome.String())
		}
	}
}

// CleanClosedScript closes every terminated script and drops closed scripts
// from the registry. It is the only place scripts are removed.
func (m *ScriptManager) CleanClosedScript(ctx context.Context) {
	for _, s := range m.snapshot() {
		if s.State() == model.StateTerminated {
			s.Close(ctx)
		}
	}

	m.mu.Lock()
	kept := make([]*Script, 0, len(m.scripts))
	removed := 0
	for _, s := range m.scripts {
		if s.IsClosed() {
			delete(m.byID, s.id)
			removed++
			continue
		}
		kept = append(kept, s)
	}
	m.scripts = kept
	m.mu.Unlock()

	if removed > 0 {
		m.log.Debug(ctx, "retired closed scripts", logging.Int("count", removed))
		m.updateMetrics()
	}
}

// CloseStgSceneScript terminates every stage-scene script. Removal is left
// to CleanClosedScript.
func (m *ScriptManager) CloseStgSceneScript(ctx context.Context) {
	for _, s := range m.snapshot() {
		if s.IsStageScene() {
			s.Terminate(ctx)
		}
	}
	m.updateMetrics()
}

// GetScriptResult returns the result of script id. Results stay readable
// after the script is retired until ClearScriptResult. value.Nil() means no
// result was set.
func (m *ScriptManager) GetScriptResult(id int) value.Value {
	m.mu.RLock()
	s, live := m.byID[id]
	stored, ok := m.results[id]
	m.mu.RUnlock()

	if live {
		if v := s.GetScriptResult(); !v.IsNil() {
			return v
		}
	}
	if ok {
		return stored
	}
	return value.Nil()
}

// SetScriptResult sets the result of script id. The first value set wins;
// it reports whether v was stored.
func (m *ScriptManager) SetScriptResult(id int, v value.Value) bool {
	if s, ok := m.Get(id); ok {
		return s.SetScriptResult(v)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if id <= 0 || id > m.nextID {
		return false
	}
	if _, exists := m.results[id]; exists {
		return false
	}
	m.results[id] = v
	return true
}

// ClearScriptResult drops every retained result.
func (m *ScriptManager) ClearScriptResult() {
	m.mu.Lock()
	m.results = make(map[int]value.Value)
	m.mu.Unlock()
}

// SetScriptArgument sets argument index of a live script that has not
// started running.
func (m *ScriptManager) SetScriptArgument(id, index int, v value.Value) error {
	s, ok := m.Get(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrScriptNotFound, id)
	}
	return s.SetScriptArgument(index, v)
}

// StateCounts returns the number of registered scripts per state.
func (m *ScriptManager) StateCounts() map[model.ScriptState]int {
	counts := make(map[model.ScriptState]int, len(model.ScriptStates))
	for _, st := range model.ScriptStates {
		counts[st] = 0
	}
	for _, s := range m.snapshot() {
		counts[s.State()]++
	}
	return counts
}

// Close terminates and closes every script and empties the registry.
// Retained results are kept.
func (m *ScriptManager) Close(ctx context.Context) {
	for _, s := range m.snapshot() {
		s.Close(ctx)
	}
	m.CleanClosedScript(ctx)
}

func (m *ScriptManager) snapshot() []*Script {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Script, len(m.scripts))
	copy(out, m.scripts)
	return out
}

func (m *ScriptManager) recordResult(id int, v value.Value) {
	m.mu.Lock()
	if _, exists := m.results[id]; !exists {
		m.results[id] = v
	}
	m.mu.Unlock()
}

func (m *ScriptManager) scriptTerminated(cause string) {
	if m.metrics != nil {
		m.metrics.IncTerminations(cause)
	}
}

func (m *ScriptManager) updateMetrics() {
	if m.metrics == nil {
		return
	}
	counts := m.StateCounts()
	byState := make(map[string]int, len(counts))
	for st, n := range counts {
		byState[st.String()] = n
	}
	m.metrics.SetScriptCounts(byState)
}

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}
