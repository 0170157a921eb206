package scripting

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"github.com/l1jgo/replicore/internal/core/ecs"
	"github.com/l1jgo/replicore/internal/core/system"
	"github.com/l1jgo/replicore/internal/kernel"
)

const entityType = "entity"

// Engine wraps a single gopher-lua VM whose scripts register kernel tasks.
// Single-goroutine access only (game loop).
type Engine struct {
	vm    *lua.LState
	k     *kernel.Kernel
	log   *zap.Logger
	tasks []string
}

// NewEngine creates a Lua engine bound to k and loads every .lua file in dir.
// An empty dir loads nothing.
func NewEngine(k *kernel.Kernel, dir string, log *zap.Logger) (*Engine, error) {
	vm := lua.NewState()
	vm.SetGlobal("API_VERSION", lua.LNumber(1))

	e := &Engine{vm: vm, k: k, log: log}
	e.openAPI()

	if dir != "" {
		if err := e.loadDir(dir); err != nil {
			e.Close()
			return nil, fmt.Errorf("load scripts: %w", err)
		}
	}
	return e, nil
}

// loadDir loads all .lua files in a directory, in name order.
func (e *Engine) loadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			e.log.Warn("script directory missing", zap.String("dir", dir))
			return nil
		}
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".lua" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := e.vm.DoFile(path); err != nil {
			return fmt.Errorf("load %s: %w", path, err)
		}
		e.log.Debug("loaded lua script", zap.String("file", path))
	}
	return nil
}

// Load runs one chunk of Lua source.
func (e *Engine) Load(name, src string) error {
	fn, err := e.vm.LoadString(src)
	if err != nil {
		return fmt.Errorf("load %s: %w", name, err)
	}
	e.vm.Push(fn)
	if err := e.vm.PCall(0, lua.MultRet, nil); err != nil {
		return fmt.Errorf("run %s: %w", name, err)
	}
	return nil
}

// Tasks lists the task names scripts registered.
func (e *Engine) Tasks() []string { return e.tasks }

// Close stops every script task and shuts down the VM.
func (e *Engine) Close() {
	for _, name := range e.tasks {
		e.k.Stop(name)
	}
	e.tasks = nil
	e.vm.Close()
}

func (e *Engine) openAPI() {
	mt := e.vm.NewTypeMetatable(entityType)
	e.vm.SetField(mt, "__tostring", e.vm.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LString(checkEntity(L, 1).String()))
		return 1
	}))
	e.vm.SetField(mt, "__eq", e.vm.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LBool(checkEntity(L, 1) == checkEntity(L, 2)))
		return 1
	}))

	api := map[string]lua.LGFunction{
		"schedule": e.luaSchedule,
		"spawn": func(L *lua.LState) int {
			L.Push(e.entity(e.k.Spawn(L.OptString(1, ""))))
			return 1
		},
		"remove": func(L *lua.LState) int {
			e.k.Remove(checkEntity(L, 1))
			return 0
		},
		"find": func(L *lua.LState) int {
			id := e.k.Find(L.CheckString(1))
			if id == ecs.NoEntity {
				L.Push(lua.LNil)
				return 1
			}
			L.Push(e.entity(id))
			return 1
		},
		"is_removing": func(L *lua.LState) int {
			L.Push(lua.LBool(e.k.IsRemoving(checkEntity(L, 1))))
			return 1
		},
		"paused": func(L *lua.LState) int {
			L.Push(lua.LBool(e.k.Paused()))
			return 1
		},
		"stepping": func(L *lua.LState) int {
			L.Push(lua.LBool(e.k.Stepping()))
			return 1
		},
		"is_host": func(L *lua.LState) int {
			L.Push(lua.LBool(e.k.IsHost()))
			return 1
		},
		"log": func(L *lua.LState) int {
			e.log.Info(L.CheckString(1), zap.String("source", "lua"))
			return 0
		},
	}
	for name, fn := range api {
		e.vm.SetGlobal(name, e.vm.NewFunction(fn))
	}
}

// entity wraps an id as userdata so all 64 bits survive Lua's float numbers.
func (e *Engine) entity(id ecs.EntityID) *lua.LUserData {
	ud := e.vm.NewUserData()
	ud.Value = id
	e.vm.SetMetatable(ud, e.vm.GetTypeMetatable(entityType))
	return ud
}

func checkEntity(L *lua.LState, n int) ecs.EntityID {
	ud := L.CheckUserData(n)
	if id, ok := ud.Value.(ecs.EntityID); ok {
		return id
	}
	L.ArgError(n, "entity expected")
	return ecs.NoEntity
}

// luaSchedule implements schedule{name=, priority=, hz=, pauseable=, filter=, fn=}.
func (e *Engine) luaSchedule(L *lua.LState) int {
	t := L.CheckTable(1)
	name := lStr(t, "name")
	if name == "" {
		L.ArgError(1, "name is required")
	}
	fn, ok := t.RawGetString("fn").(*lua.LFunction)
	if !ok {
		L.ArgError(1, "fn must be a function")
	}
	filter, err := parseFilter(lStr(t, "filter"))
	if err != nil {
		L.ArgError(1, err.Error())
	}

	spec := system.TaskSpec{
		Name:      name,
		Priority:  system.PhaseUpdate.Priority(),
		Hz:        float64(lua.LVAsNumber(t.RawGetString("hz"))),
		Filter:    filter,
		Pauseable: t.RawGetString("pauseable") != lua.LFalse,
	}
	if p, ok := t.RawGetString("priority").(lua.LNumber); ok {
		spec.Priority = float64(p)
	}

	if _, err := e.k.Schedule(spec, e.taskFunc(name, fn)); err != nil {
		L.RaiseError("schedule %s: %s", name, err.Error())
	}
	if !slices.Contains(e.tasks, name) {
		e.tasks = append(e.tasks, name)
	}
	e.log.Debug("lua task scheduled", zap.String("task", name), zap.Float64("priority", spec.Priority), zap.Float64("hz", spec.Hz))
	return 0
}

// taskFunc calls fn(dt_seconds). A Lua error, or a false first return value,
// fails the task; the second return value becomes the message.
func (e *Engine) taskFunc(name string, fn *lua.LFunction) kernel.TaskFunc {
	return func(_ *kernel.Kernel, dt time.Duration) error {
		if err := e.vm.CallByParam(lua.P{
			Fn:      fn,
			NRet:    2,
			Protect: true,
		}, lua.LNumber(dt.Seconds())); err != nil {
			return err
		}
		ok, msg := e.vm.Get(-2), e.vm.Get(-1)
		e.vm.Pop(2)
		if ok == lua.LFalse {
			if msg == lua.LNil {
				return fmt.Errorf("%s returned false", name)
			}
			return fmt.Errorf("%s", lua.LVAsString(msg))
		}
		return nil
	}
}

func parseFilter(s string) (system.Filter, error) {
	switch s {
	case "", "all":
		return system.RunAll, nil
	case "host":
		return system.RunHostOnly, nil
	case "client":
		return system.RunClientOnly, nil
	default:
		return 0, fmt.Errorf("unknown filter %q", s)
	}
}

// lStr reads a string field from a Lua table.
func lStr(t *lua.LTable, key string) string {
	return lua.LVAsString(t.RawGetString(key))
}
