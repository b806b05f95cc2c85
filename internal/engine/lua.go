package engine

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/petervdpas/pausesync/internal/initiators"

	"github.com/fsnotify/fsnotify"
	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"
)

const entryPoint = "cutscene"

// DefaultBudget bounds one call of cutscene(tick). A call that runs longer
// is aborted and the tick reads as "no cutscene".
const DefaultBudget = 50 * time.Millisecond

// LuaEngine drives cutscenes for a headless peer from a script that defines
//
//	function cutscene(tick) ... end
//
// returning nil when no cutscene runs, or a table {skippable=bool}.
// The script is recompiled whenever the file changes on disk.
type LuaEngine struct {
	mu      sync.Mutex
	path    string
	L       *lua.LState
	tick    int64
	lastErr string
	budget  time.Duration

	selfID   initiators.ParticipantID
	selfName string

	watcher *fsnotify.Watcher
	closed  chan struct{}
}

// NewLuaEngine compiles the script at path and starts watching it.
func NewLuaEngine(path string, selfID initiators.ParticipantID, selfName string) (*LuaEngine, error) {
	e := &LuaEngine{
		path:     path,
		selfID:   selfID,
		selfName: selfName,
		budget:   DefaultBudget,
		closed:   make(chan struct{}),
	}
	if err := e.load(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		e.L.Close()
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	// Watch the directory: editors replace files instead of writing in place.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		e.L.Close()
		return nil, fmt.Errorf("watch script dir: %w", err)
	}
	e.watcher = watcher
	go e.watchLoop()

	log.Printf("ENGINE: loaded cutscene script %s", path)
	return e, nil
}

func (e *LuaEngine) load() error {
	data, err := os.ReadFile(e.path)
	if err != nil {
		return err
	}
	name := filepath.Base(e.path)
	chunk, err := parse.Parse(strings.NewReader(string(data)), name)
	if err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	proto, err := lua.Compile(chunk, name)
	if err != nil {
		return fmt.Errorf("compile: %w", err)
	}

	L := newSandboxedVM(e.selfID, e.selfName)
	L.Push(L.NewFunctionFromProto(proto))
	if err := L.PCall(0, lua.MultRet, nil); err != nil {
		L.Close()
		return fmt.Errorf("run %s: %w", name, err)
	}
	if _, ok := L.GetGlobal(entryPoint).(*lua.LFunction); !ok {
		L.Close()
		return fmt.Errorf("%s does not define %s(tick)", name, entryPoint)
	}

	e.mu.Lock()
	old := e.L
	e.L = L
	e.lastErr = ""
	e.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return nil
}

// newSandboxedVM opens only the side-effect free standard libraries.
func newSandboxedVM(selfID initiators.ParticipantID, selfName string) *lua.LState {
	L := lua.NewState(lua.Options{
		SkipOpenLibs:        true,
		CallStackSize:       64,
		RegistrySize:        1024,
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
	} {
		L.Push(L.NewFunction(lib.fn))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}
	for _, name := range []string{"dofile", "loadfile", "require", "load"} {
		L.SetGlobal(name, lua.LNil)
	}

	self := L.NewTable()
	self.RawSetString("id", lua.LString(string(selfID)))
	self.RawSetString("name", lua.LString(selfName))
	L.SetGlobal("self", self)
	return L
}

// SetBudget changes how long one cutscene(tick) call may run. d <= 0
// restores DefaultBudget.
func (e *LuaEngine) SetBudget(d time.Duration) {
	if d <= 0 {
		d = DefaultBudget
	}
	e.mu.Lock()
	e.budget = d
	e.mu.Unlock()
}

// Poll advances the tick counter and asks the script for the current state.
// Script errors are logged once per distinct message and read as "no cutscene".
func (e *LuaEngine) Poll() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.tick++
	L := e.L
	if L == nil {
		return Snapshot{}
	}

	// Poll runs on the session loop; a runaway script must not stall it.
	ctx, cancel := context.WithTimeout(context.Background(), e.budget)
	L.SetContext(ctx)
	err := L.CallByParam(lua.P{
		Fn:      L.GetGlobal(entryPoint),
		NRet:    1,
		Protect: true,
	}, lua.LNumber(e.tick))
	L.RemoveContext()
	cancel()
	if err != nil {
		L.SetTop(0)
		if msg := err.Error(); msg != e.lastErr {
			log.Printf("ENGINE: %s failed at tick %d: %v", entryPoint, e.tick, err)
			e.lastErr = msg
		}
		return Snapshot{}
	}
	ret := L.Get(-1)
	L.Pop(1)
	e.lastErr = ""

	tbl, ok := ret.(*lua.LTable)
	if !ok {
		return Snapshot{}
	}
	return Snapshot{
		Active:    true,
		Owner:     e.selfID,
		OwnerName: e.selfName,
		Skippable: lua.LVAsBool(tbl.RawGetString("skippable")),
	}
}

// Tick returns how many times Poll has been called.
func (e *LuaEngine) Tick() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tick
}

func (e *LuaEngine) watchLoop() {
	target := filepath.Clean(e.path)
	for {
		select {
		case <-e.closed:
			return
		case event, ok := <-e.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				if err := e.load(); err != nil {
					log.Printf("ENGINE: hot reload failed for %s: %v", target, err)
					continue
				}
				log.Printf("ENGINE: reloaded %s", target)
			}
		case err, ok := <-e.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("ENGINE: watcher error: %v", err)
		}
	}
}

func (e *LuaEngine) Close() error {
	close(e.closed)
	err := e.watcher.Close()
	e.mu.Lock()
	if e.L != nil {
		e.L.Close()
		e.L = nil
	}
	e.mu.Unlock()
	return err
}
