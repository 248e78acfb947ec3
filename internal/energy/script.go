//go:build !no_scripts

package energy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"

	"home-energy/internal/device"
)

// ScriptMeta is the optional JSON header on the first line of a script:
//
//	-- {"name": "Washer", "description": "spin-speed based"}
type ScriptMeta struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// luaScript is one loaded estimator VM. Lua states are not goroutine-safe,
// so every call holds mu.
type luaScript struct {
	kind device.Type
	meta ScriptMeta
	path string

	mu sync.Mutex
	L  *lua.LState
	fn *lua.LFunction
}

// ScriptSet estimates unmodeled device kinds with Lua scripts named
// <deviceType>.lua. Each script defines a global estimate(state) returning
// a number; state carries "on", "type" and every attribute of the device.
type ScriptSet struct {
	scripts map[string]*luaScript // lower-cased device type -> script
	timeout time.Duration
	logger  *slog.Logger
}

// LoadScripts loads every *.lua file in dir. A missing directory yields an
// empty set. Scripts for kinds that already have a built-in rule are skipped.
func LoadScripts(dir string, timeout time.Duration, logger *slog.Logger) (*ScriptSet, error) {
	set := &ScriptSet{
		scripts: make(map[string]*luaScript),
		timeout: timeout,
		logger:  logger.With("component", "energy-scripts"),
	}
	if set.timeout <= 0 {
		set.timeout = time.Second
	}
	if dir == "" {
		return set, nil
	}

	matches, err := filepath.Glob(filepath.Join(dir, "*.lua"))
	if err != nil {
		return set, fmt.Errorf("glob scripts dir: %w", err)
	}
	for _, path := range matches {
		kind, _ := device.ParseType(strings.TrimSuffix(filepath.Base(path), ".lua"))
		if builtin(kind) {
			set.logger.Warn("script ignored, device type has a built-in rule", "path", path, "type", kind)
			continue
		}
		s, err := loadScript(path, kind)
		if err != nil {
			set.Close()
			return nil, err
		}
		set.scripts[strings.ToLower(string(kind))] = s
		set.logger.Info("loaded energy script", "type", kind, "name", s.meta.Name)
	}
	return set, nil
}

// Kinds lists the device types covered by a script.
func (s *ScriptSet) Kinds() []device.Type {
	kinds := make([]device.Type, 0, len(s.scripts))
	for _, sc := range s.scripts {
		kinds = append(kinds, sc.kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Describe lists the loaded scripts ordered by device type.
func (s *ScriptSet) Describe() []ScriptInfo {
	infos := make([]ScriptInfo, 0, len(s.scripts))
	for _, sc := range s.scripts {
		infos = append(infos, ScriptInfo{
			DeviceType:  sc.kind,
			Name:        sc.meta.Name,
			Description: sc.meta.Description,
			File:        filepath.Base(sc.path),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].DeviceType < infos[j].DeviceType })
	return infos
}

// Estimate runs the script registered for the device kind.
func (s *ScriptSet) Estimate(st device.Unmodeled) (float64, error) {
	sc, ok := s.scripts[strings.ToLower(string(st.Kind))]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnmodeled, st.Kind)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	sc.mu.Lock()
	defer sc.mu.Unlock()

	L := sc.L
	L.SetContext(ctx)
	defer L.RemoveContext()

	state := L.NewTable()
	for k, v := range st.Attributes {
		state.RawSetString(k, toLua(L, v))
	}
	state.RawSetString("on", lua.LBool(st.On))
	state.RawSetString("type", lua.LString(st.Kind))

	if err := L.CallByParam(lua.P{Fn: sc.fn, NRet: 1, Protect: true}, state); err != nil {
		errStr := err.Error()
		if strings.Contains(errStr, "context deadline exceeded") {
			errStr = "timeout (" + s.timeout.String() + ")"
		}
		return 0, fmt.Errorf("script %s: %s", filepath.Base(sc.path), errStr)
	}
	ret := L.Get(-1)
	L.Pop(1)

	n, ok := ret.(lua.LNumber)
	if !ok {
		return 0, fmt.Errorf("script %s returned %s, want number", filepath.Base(sc.path), ret.Type())
	}
	v := float64(n)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("script %s returned non-finite value", filepath.Base(sc.path))
	}
	return v, nil
}

// Close releases every Lua state.
func (s *ScriptSet) Close() {
	for _, sc := range s.scripts {
		sc.mu.Lock()
		sc.L.Close()
		sc.mu.Unlock()
	}
}

func loadScript(path string, kind device.Type) (*luaScript, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}
	code, meta := splitHeader(string(data))
	if meta.Name == "" {
		meta.Name = string(kind)
	}

	L := lua.NewState()
	sandbox(L)
	if err := L.DoString(code); err != nil {
		L.Close()
		return nil, fmt.Errorf("execute script %s: %w", path, err)
	}
	fn, ok := L.GetGlobal("estimate").(*lua.LFunction)
	if !ok {
		L.Close()
		return nil, fmt.Errorf("script %s: no global estimate function", path)
	}
	return &luaScript{kind: kind, meta: meta, path: path, L: L, fn: fn}, nil
}

// splitHeader strips a leading "-- {json}" metadata line.
func splitHeader(content string) (string, ScriptMeta) {
	var meta ScriptMeta
	first, rest, _ := strings.Cut(content, "\n")
	if !strings.HasPrefix(first, "-- {") {
		return content, meta
	}
	if err := json.Unmarshal([]byte(strings.TrimPrefix(first, "-- ")), &meta); err != nil {
		slog.Warn("script metadata parse error", "err", err)
	}
	return rest, meta
}

func sandbox(L *lua.LState) {
	for _, name := range []string{"os", "io", "loadfile", "dofile", "require", "load", "debug", "package"} {
		L.SetGlobal(name, lua.LNil)
	}
}

func builtin(t device.Type) bool {
	switch t {
	case device.TypeAC, device.TypeDishwasher, device.TypeTV, device.TypeLight,
		device.TypeThermostat, device.TypeFan, device.TypeDoor, device.TypeHeatConvector:
		return true
	}
	return false
}

// toLua converts a decoded JSON/YAML attribute to a Lua value.
func toLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case map[string]any:
		t := L.NewTable()
		for k, vv := range val {
			t.RawSetString(k, toLua(L, vv))
		}
		return t
	case []any:
		t := L.NewTable()
		for i, vv := range val {
			t.RawSetInt(i+1, toLua(L, vv))
		}
		return t
	}
	if n, ok := number(v); ok {
		return lua.LNumber(n)
	}
	return lua.LString(fmt.Sprintf("%v", v))
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
