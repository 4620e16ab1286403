package core

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/signalsfoundry/scripthost/model"
	"github.com/signalsfoundry/scripthost/value"
)

type fakeRecorder struct {
	mu           sync.Mutex
	counts       map[string]int
	runs         int
	terminations map[string]int
	deliveries   map[string]int
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{
		terminations: make(map[string]int),
		deliveries:   make(map[string]int),
	}
}

func (r *fakeRecorder) SetScriptCounts(byState map[string]int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts = byState
}

func (r *fakeRecorder) ObserveRunAll(time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs++
}

func (r *fakeRecorder) IncTerminations(cause string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.terminations[cause]++
}

func (r *fakeRecorder) IncEventDeliveries(outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliveries[outcome]++
}

func TestLoadScriptStartsChildWithArguments(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	main := writeScript(t, dir, "main.lua", `
function Initialize()
  child = LoadScript("child.lua")
  ok = SetScriptArgument(child, 0, 42)
end
function MainLoop() end
`)
	writeScript(t, dir, "child.lua", `
function Initialize()
  count = GetScriptArgumentCount()
  SetScriptResult(GetScriptArgument(0) * 2)
end
`)
	m := newTestManager()
	parent := m.NewScript(ctx, main, model.ScriptTypePackage, "ph3")
	m.RunAll(ctx, false)
	m.RunAll(ctx, false)

	childID := int(globalNumber(t, parent, "child"))
	child, ok := m.Get(childID)
	if !ok {
		t.Fatalf("child %d not registered", childID)
	}
	if child.Path() != filepath.Join(dir, "child.lua") {
		t.Fatalf("child path = %q", child.Path())
	}
	if child.Type() != model.ScriptTypePackage || child.Version() != "ph3" {
		t.Fatalf("child type/version = %v/%q, want inherited", child.Type(), child.Version())
	}
	if child.State() != model.StateCompiled {
		t.Fatalf("child ran in the tick that created it: state %v", child.State())
	}

	m.RunAll(ctx, false)
	m.RunAll(ctx, false)
	if got := m.GetScriptResult(childID); !got.Equal(value.Number(84)) {
		t.Fatalf("child result = %v, want 84", got)
	}
	if got := globalNumber(t, child, "count"); got != 1 {
		t.Fatalf("argument count = %v, want 1", got)
	}
	if child.State() != model.StateTerminated {
		t.Fatalf("child state = %v, want terminated", child.State())
	}
}

func TestSelfLoadingScriptStopsAtLoadDepth(t *testing.T) {
	ctx := context.Background()
	path := writeScript(t, t.TempDir(), "rec.lua", `LoadScript("rec.lua")`+"\n")

	m := newTestManager()
	root := m.NewScript(ctx, path, model.ScriptTypePackage, "")

	if root.State() != model.StateCompiled {
		t.Fatalf("root state = %v (%q), want compiled", root.State(), root.ErrorMessage())
	}
	if m.Len() != MaxLoadDepth {
		t.Fatalf("registered scripts = %d, want %d", m.Len(), MaxLoadDepth)
	}
	var failed []*Script
	for _, s := range m.Scripts() {
		if s.State() == model.StateTerminated {
			failed = append(failed, s)
		}
	}
	if len(failed) != 1 {
		t.Fatalf("terminated scripts = %d, want 1", len(failed))
	}
	if failed[0].ID() != MaxLoadDepth {
		t.Fatalf("terminated script id = %d, want %d", failed[0].ID(), MaxLoadDepth)
	}
	if msg := failed[0].ErrorMessage(); !strings.Contains(msg, "LoadScript nesting exceeds") {
		t.Fatalf("error message = %q", msg)
	}
	if m.loadDepth() != 0 {
		t.Fatalf("load depth after compile = %d, want 0", m.loadDepth())
	}

	m.RunAll(ctx, false)
	m.RunAll(ctx, false)
	if root.State() != model.StateTerminated || root.ErrorMessage() != "" {
		t.Fatalf("root state = %v (%q), want normal termination", root.State(), root.ErrorMessage())
	}
}

func TestSetScriptArgumentErrors(t *testing.T) {
	ctx := context.Background()
	path := writeScript(t, t.TempDir(), "main.lua", "function MainLoop() end\n")
	m := newTestManager()
	s := m.NewScript(ctx, path, model.ScriptTypePackage, "")

	if err := m.SetScriptArgument(999, 0, value.Number(1)); !errors.Is(err, ErrScriptNotFound) {
		t.Fatalf("unknown script: err = %v, want ErrScriptNotFound", err)
	}
	if err := m.SetScriptArgument(s.ID(), -1, value.Number(1)); !errors.Is(err, ErrInvalidArgumentIndex) {
		t.Fatalf("negative index: err = %v, want ErrInvalidArgumentIndex", err)
	}
	if err := m.SetScriptArgument(s.ID(), 3, value.String("late")); err != nil {
		t.Fatalf("SetScriptArgument before running: %v", err)
	}
	if got := s.GetScriptArgument(3); !got.Equal(value.String("late")) {
		t.Fatalf("argument 3 = %v", got)
	}
	if got := s.GetScriptArgument(0); !got.IsNil() {
		t.Fatalf("unset argument = %v, want nil sentinel", got)
	}

	m.RunAll(ctx, false)
	m.RunAll(ctx, false)
	if err := m.SetScriptArgument(s.ID(), 0, value.Number(1)); !errors.Is(err, ErrScriptStarted) {
		t.Fatalf("running script: err = %v, want ErrScriptStarted", err)
	}
}

func TestRunAllCanSkipStageSceneScripts(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	m := newTestManager()
	stage := m.NewScript(ctx, writeScript(t, dir, "stage.lua", "function MainLoop() end\n"), model.ScriptTypeStage, "")
	pkg := m.NewScript(ctx, writeScript(t, dir, "pkg.lua", "function MainLoop() end\n"), model.ScriptTypePackage, "")

	m.RunAll(ctx, true)
	m.RunAll(ctx, true)
	if stage.State() != model.StateCompiled {
		t.Fatalf("stage script advanced to %v while skipped", stage.State())
	}
	if pkg.State() != model.StateRunning {
		t.Fatalf("package script state = %v, want running", pkg.State())
	}
}

func TestCloseStgSceneScriptKeepsPackageScripts(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	m := newTestManager()
	stage := m.NewScript(ctx, writeScript(t, dir, "stage.lua", "function MainLoop() end\n"), model.ScriptTypeSingle, "")
	pkg := m.NewScript(ctx, writeScript(t, dir, "pkg.lua", "function MainLoop() end\n"), model.ScriptTypePackage, "")
	m.RunAll(ctx, false)
	m.RunAll(ctx, false)

	m.CloseStgSceneScript(ctx)
	if stage.State() != model.StateTerminated {
		t.Fatalf("stage script state = %v, want terminated", stage.State())
	}
	if pkg.State() != model.StateRunning {
		t.Fatalf("package script state = %v, want running", pkg.State())
	}
	if _, ok := m.Get(stage.ID()); !ok {
		t.Fatalf("CloseStgSceneScript removed the script; removal belongs to CleanClosedScript")
	}

	m.CleanClosedScript(ctx)
	if _, ok := m.Get(stage.ID()); ok {
		t.Fatalf("stage script still registered after cleanup")
	}
	if m.Len() != 1 {
		t.Fatalf("Len = %d, want 1", m.Len())
	}
}

func TestSetScriptResultForRetiredScript(t *testing.T) {
	ctx := context.Background()
	path := writeScript(t, t.TempDir(), "main.lua", "function Initialize() end\n")
	m := newTestManager()
	s := m.NewScript(ctx, path, model.ScriptTypePackage, "")
	m.RunAll(ctx, false)
	m.RunAll(ctx, false)
	m.CleanClosedScript(ctx)

	if !m.SetScriptResult(s.ID(), value.String("late")) {
		t.Fatalf("SetScriptResult on retired script without result = false")
	}
	if m.SetScriptResult(s.ID(), value.String("later")) {
		t.Fatalf("second SetScriptResult replaced the result")
	}
	if m.SetScriptResult(999, value.Bool(true)) {
		t.Fatalf("SetScriptResult accepted an ID that was never issued")
	}
	if got := m.GetScriptResult(s.ID()); !got.Equal(value.String("late")) {
		t.Fatalf("result = %v, want late", got)
	}
}

func TestManagerReportsMetrics(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	rec := newFakeRecorder()
	m := newTestManager(WithMetricsRecorder(rec))

	m.NewScript(ctx, writeScript(t, dir, "broken.lua", "function (\n"), model.ScriptTypePackage, "")
	m.NewScript(ctx, writeScript(t, dir, "done.lua", "function Initialize() end\n"), model.ScriptTypePackage, "")
	live := m.NewScript(ctx, writeScript(t, dir, "live.lua", "function Event() end\n"), model.ScriptTypePackage, "")
	m.RunAll(ctx, false)
	m.RunAll(ctx, false)
	m.NotifyEventAll(ctx, 1)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.runs != 2 {
		t.Fatalf("RunAll observations = %d, want 2", rec.runs)
	}
	if rec.terminations[CauseError] != 1 || rec.terminations[CauseNormal] != 1 {
		t.Fatalf("terminations = %v", rec.terminations)
	}
	if rec.deliveries["delivered"] != 1 || rec.deliveries["dropped"] != 2 {
		t.Fatalf("deliveries = %v", rec.deliveries)
	}
	if rec.counts["terminated"] != 2 || rec.counts["running"] != 1 {
		t.Fatalf("counts = %v", rec.counts)
	}
	if live.State() != model.StateRunning {
		t.Fatalf("live script state = %v", live.State())
	}
}

func TestStateCountsCoversEveryState(t *testing.T) {
	ctx := context.Background()
	m := newTestManager()
	m.NewScript(ctx, writeScript(t, t.TempDir(), "main.lua", "function MainLoop() end\n"), model.ScriptTypePackage, "")

	counts := m.StateCounts()
	if len(counts) != len(model.ScriptStates) {
		t.Fatalf("StateCounts has %d states, want %d", len(counts), len(model.ScriptStates))
	}
	if counts[model.StateCompiled] != 1 {
		t.Fatalf("compiled count = %d, want 1", counts[model.StateCompiled])
	}
}

func TestManagerCloseRetiresEverything(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	m := newTestManager()
	a := m.NewScript(ctx, writeScript(t, dir, "a.lua", "function Initialize() SetScriptResult(1) end\nfunction MainLoop() end\n"), model.ScriptTypePackage, "")
	b := m.NewScript(ctx, writeScript(t, dir, "b.lua", "function MainLoop() end\n"), model.ScriptTypeStage, "")
	m.RunAll(ctx, false)
	m.RunAll(ctx, false)

	m.Close(ctx)
	if m.Len() != 0 {
		t.Fatalf("Len = %d after Close", m.Len())
	}
	if !a.IsClosed() || !b.IsClosed() {
		t.Fatalf("scripts not closed: %v %v", a.State(), b.State())
	}
	if got := m.GetScriptResult(a.ID()); !got.Equal(value.Number(1)) {
		t.Fatalf("result after Close = %v, want 1", got)
	}
}
