package index

import (
	"sync"
	"time"

	"github.com/ValentinKolb/tKV/lib/events"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("index")

// Hook is called synchronously inside every commit of the trees it is
// registered for, after the commit is durable. A hook must return quickly;
// a failing hook is logged and never rolls the commit back.
type Hook interface {
	Apply(c events.Change) error
}

// HookFunc adapts a function to the Hook interface
type HookFunc func(c events.Change) error

func (f HookFunc) Apply(c events.Change) error {
	return f(c)
}

// DefaultHookBudget is the time a hook may take before it is reported as slow
const DefaultHookBudget = 100 * time.Millisecond

// Hooks is the registry of indexer hooks per tree
type Hooks struct {
	mu     sync.RWMutex
	byTree map[string][]Hook // "" = every tree
	budget time.Duration
}

// NewHooks creates an empty registry. Hooks running longer than budget are
// logged as slow (0 = DefaultHookBudget).
func NewHooks(budget time.Duration) *Hooks {
	if budget <= 0 {
		budget = DefaultHookBudget
	}
	return &Hooks{byTree: make(map[string][]Hook), budget: budget}
}

// Register adds a hook for tree ("" for all trees)
func (h *Hooks) Register(tree string, hook Hook) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.byTree[tree] = append(h.byTree[tree], hook)
}

// Run calls every hook registered for the tree of c and returns the number of
// failed hooks. Run is called under the commit lock of the tree, so hooks of
// one tree never run concurrently.
func (h *Hooks) Run(c events.Change) int {
	h.mu.RLock()
	hooks := append(append([]Hook(nil), h.byTree[c.Tree]...), h.byTree[""]...)
	h.mu.RUnlock()

	failed := 0
	for _, hook := range hooks {
		if err := h.runOne(hook, c); err != nil {
			failed++
			Logger.Errorf("indexer hook failed for %s: %v", c, err)
		}
	}
	return failed
}

func (h *Hooks) runOne(hook Hook, c events.Change) (err error) {
	watchdog := time.AfterFunc(h.budget, func() {
		Logger.Warningf("indexer hook for %s is running longer than %s", c, h.budget)
	})
	defer watchdog.Stop()

	defer func() {
		if r := recover(); r != nil {
			err = panicError{value: r}
		}
	}()
	return hook.Apply(c)
}

type panicError struct {
	value interface{}
}

func (p panicError) Error() string {
	return "hook panicked: " + formatPanic(p.value)
}

func formatPanic(v interface{}) string {
	if err, ok := v.(error); ok {
		return err.Error()
	}
	if s, ok := v.(string); ok {
		return s
	}
	return "unknown value"
}
