package lua

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lua "github.com/yuin/gopher-lua"

	"github.com/mpataki/stepchain/internal/events"
	"github.com/mpataki/stepchain/internal/orchestrator"
)

//go:embed default.lua
var defaultScript string

// DefaultName is the script used when none is configured.
const DefaultName = "default"

// Runtime executes a run's plan, steps and verification through a Lua
// script in a sandboxed environment.
//
// The script defines global functions:
//
//	plan(problem)             -> list of steps (strings or {description, checklist})
//	execute(step, ctx)        -> string
//	verify(step, output)      -> bool[, reason]  or  "PASS" / "FAIL <reason>"
//	summarize(problem, outs)  -> string
//
// verify and summarize are optional. Every call gets a fresh interpreter, so
// scripts cannot carry state between steps.
type Runtime struct {
	name   string
	path   string
	source string
	logger *slog.Logger
}

var _ orchestrator.Executor = (*Runtime)(nil)

// NewRuntime creates a runtime for the given script source.
func NewRuntime(name, source string, logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{name: name, source: source, logger: logger.With("script", name)}
}

// Default returns the runtime for the embedded default script.
func Default(logger *slog.Logger) *Runtime {
	return NewRuntime(DefaultName, defaultScript, logger)
}

// Load reads a script file and checks that it defines the required functions.
func Load(path string, logger *slog.Logger) (*Runtime, error) {
	script, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	r := NewRuntime(name, string(script), logger)
	r.path = path
	if err := r.Check(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Runtime) Name() string { return r.name }

// Path is the file the script was loaded from, empty for the built-in one.
func (r *Runtime) Path() string { return r.path }

// Check loads the script once and verifies plan and execute exist.
func (r *Runtime) Check() error {
	L, err := r.newState(context.Background())
	if err != nil {
		return err
	}
	defer L.Close()
	for _, fn := range []string{"plan", "execute"} {
		if _, ok := L.GetGlobal(fn).(*lua.LFunction); !ok {
			return fmt.Errorf("script %s must define a '%s' function", r.name, fn)
		}
	}
	return nil
}

func (r *Runtime) Plan(ctx context.Context, problem string) ([]events.PlanStep, error) {
	ret, err := r.call(ctx, "plan", 1, func(L *lua.LState) []lua.LValue {
		return []lua.LValue{lua.LString(problem)}
	})
	if err != nil {
		return nil, err
	}

	tbl, ok := ret[0].(*lua.LTable)
	if !ok {
		return nil, fmt.Errorf("plan() must return a table, got %s", ret[0].Type())
	}

	var plan []events.PlanStep
	var convErr error
	tbl.ForEach(func(_, v lua.LValue) {
		if convErr != nil {
			return
		}
		step, err := planStep(v)
		if err != nil {
			convErr = err
			return
		}
		step.StepNumber = len(plan) + 1
		plan = append(plan, step)
	})
	if convErr != nil {
		return nil, convErr
	}
	return plan, nil
}

func planStep(v lua.LValue) (events.PlanStep, error) {
	switch v := v.(type) {
	case lua.LString:
		return events.PlanStep{Description: string(v)}, nil
	case *lua.LTable:
		step := events.PlanStep{Description: lua.LVAsString(v.RawGetString("description"))}
		checklist := v.RawGetString("checklist")
		if checklist == lua.LNil {
			checklist = v.RawGetString("verification_checklist")
		}
		if items, ok := checklist.(*lua.LTable); ok {
			items.ForEach(func(_, item lua.LValue) {
				step.VerificationChecklist = append(step.VerificationChecklist, lua.LVAsString(item))
			})
		}
		if step.Description == "" {
			return step, errors.New("plan step is missing a description")
		}
		return step, nil
	default:
		return events.PlanStep{}, fmt.Errorf("plan step must be a string or table, got %s", v.Type())
	}
}

func (r *Runtime) Execute(ctx context.Context, problem string, step events.PlanStep, prior []string) (string, error) {
	ret, err := r.call(ctx, "execute", 1, func(L *lua.LState) []lua.LValue {
		c := L.NewTable()
		L.SetField(c, "problem", lua.LString(problem))
		L.SetField(c, "prior", stringsToTable(L, prior))
		return []lua.LValue{stepToTable(L, step), c}
	})
	if err != nil {
		return "", err
	}
	return lua.LVAsString(ret[0]), nil
}

func (r *Runtime) Verify(ctx context.Context, step events.PlanStep, output string) (orchestrator.Verdict, error) {
	if !r.defines("verify") {
		return orchestrator.Verdict{Pass: true}, nil
	}
	ret, err := r.call(ctx, "verify", 2, func(L *lua.LState) []lua.LValue {
		return []lua.LValue{stepToTable(L, step), lua.LString(output)}
	})
	if err != nil {
		return orchestrator.Verdict{}, err
	}

	switch v := ret[0].(type) {
	case lua.LBool:
		return orchestrator.Verdict{Pass: bool(v), Reason: lua.LVAsString(ret[1])}, nil
	case lua.LString:
		text := strings.TrimSpace(string(v))
		if strings.HasPrefix(text, "PASS") {
			return orchestrator.Verdict{Pass: true}, nil
		}
		return orchestrator.Verdict{Pass: false, Reason: text}, nil
	default:
		return orchestrator.Verdict{}, fmt.Errorf("verify() must return a boolean or string, got %s", v.Type())
	}
}

func (r *Runtime) Summarize(ctx context.Context, problem string, outputs []string) (string, error) {
	if !r.defines("summarize") {
		return strings.Join(outputs, "\n\n"), nil
	}
	ret, err := r.call(ctx, "summarize", 1, func(L *lua.LState) []lua.LValue {
		return []lua.LValue{lua.LString(problem), stringsToTable(L, outputs)}
	})
	if err != nil {
		return "", err
	}
	return lua.LVAsString(ret[0]), nil
}

func (r *Runtime) defines(fn string) bool {
	L, err := r.newState(context.Background())
	if err != nil {
		return false
	}
	defer L.Close()
	_, ok := L.GetGlobal(fn).(*lua.LFunction)
	return ok
}

// call runs global fn in a fresh state bound to ctx and returns nret values.
func (r *Runtime) call(ctx context.Context, fn string, nret int, args func(*lua.LState) []lua.LValue) ([]lua.LValue, error) {
	L, err := r.newState(ctx)
	if err != nil {
		return nil, err
	}
	defer L.Close()

	f, ok := L.GetGlobal(fn).(*lua.LFunction)
	if !ok {
		return nil, fmt.Errorf("script %s must define a '%s' function", r.name, fn)
	}

	if err := L.CallByParam(lua.P{Fn: f, NRet: nret, Protect: true}, args(L)...); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if reason, ok := failReason(err); ok {
			return nil, &scriptFailure{reason: reason}
		}
		return nil, fmt.Errorf("%s() failed: %w", fn, err)
	}

	ret := make([]lua.LValue, nret)
	for i := range ret {
		ret[i] = L.Get(-nret + i)
	}
	L.Pop(nret)
	return ret, nil
}

func (r *Runtime) newState(ctx context.Context) (*lua.LState, error) {
	L := lua.NewState(lua.Options{
		SkipOpenLibs: true,
	})
	L.SetContext(ctx)

	openSafeLibs(L)
	r.registerAPI(L)

	if err := L.DoString(r.source); err != nil {
		L.Close()
		return nil, fmt.Errorf("failed to load script %s: %w", r.name, err)
	}
	return L, nil
}

// openSafeLibs loads base, table, string and math without file access or
// randomness.
func openSafeLibs(L *lua.LState) {
	lua.OpenBase(L)

	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("load", lua.LNil)
	L.SetGlobal("loadstring", lua.LNil)
	L.SetGlobal("print", lua.LNil) // Use log() instead

	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	math := L.GetGlobal("math")
	if tbl, ok := math.(*lua.LTable); ok {
		L.SetField(tbl, "random", lua.LNil)
		L.SetField(tbl, "randomseed", lua.LNil)
	}
}

func (r *Runtime) registerAPI(L *lua.LState) {
	L.SetGlobal("log", L.NewFunction(r.luaLog))
	L.SetGlobal("fail", L.NewFunction(luaFail))
}

// luaLog implements log(message).
func (r *Runtime) luaLog(L *lua.LState) int {
	r.logger.Info(L.CheckString(1))
	return 0
}

const failPrefix = "fail: "

// luaFail implements fail(reason), which aborts the current call with reason
// as the error the run is failed with.
func luaFail(L *lua.LState) int {
	reason := L.OptString(1, "script failed")
	L.RaiseError("%s%s", failPrefix, reason)
	return 0
}

type scriptFailure struct{ reason string }

func (e *scriptFailure) Error() string { return e.reason }

func failReason(err error) (string, bool) {
	var apiErr *lua.ApiError
	if !errors.As(err, &apiErr) {
		return "", false
	}
	msg := lua.LVAsString(apiErr.Object)
	i := strings.Index(msg, failPrefix)
	if i < 0 {
		return "", false
	}
	return msg[i+len(failPrefix):], true
}

func stepToTable(L *lua.LState, step events.PlanStep) *lua.LTable {
	tbl := L.NewTable()
	L.SetField(tbl, "step_number", lua.LNumber(step.StepNumber))
	L.SetField(tbl, "description", lua.LString(step.Description))
	L.SetField(tbl, "checklist", stringsToTable(L, step.VerificationChecklist))
	return tbl
}

func stringsToTable(L *lua.LState, items []string) *lua.LTable {
	tbl := L.NewTable()
	for _, s := range items {
		tbl.Append(lua.LString(s))
	}
	return tbl
}

// IsScript checks if a file is a Lua script.
func IsScript(path string) bool {
	return filepath.Ext(path) == ".lua"
}
