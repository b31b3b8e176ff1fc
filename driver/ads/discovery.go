package ads

import (
	"context"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Watcher states, exposed for status queries.
const (
	StateIdle        = "idle"
	StateChecking    = "checking"
	StateEnumerating = "enumerating"
	StateExpanding   = "expanding"
	StateEmitting    = "emitting"
)

// SchemaReader is the slice of the session the watcher needs.
type SchemaReader interface {
	OnlineChangeCount(ctx context.Context) (uint32, error)
	Symbols(ctx context.Context) ([]Symbol, error)
	InvalidateHandles()
}

// DiscoveryConfig controls the per-connection watcher.
type DiscoveryConfig struct {
	AutoDiscover        bool          `json:"autoDiscover"`
	PollPeriod          time.Duration `json:"pollPeriod"`
	AutoRegister        bool          `json:"autoRegister"`
	DefaultSamplePeriod time.Duration `json:"defaultSamplePeriod"`
	NameFilter          string        `json:"nameFilter"`
}

// DiscoveredVariable is a variable derived from a symbol during
// auto-registration.
type DiscoveredVariable struct {
	Path            string
	Type            DataType
	SamplePeriod    time.Duration
	UseNotification bool
}

// Watcher keeps the engine's view of the PLC symbol table consistent across
// OnlineChange events. One watcher runs per session for its lifetime.
type Watcher struct {
	session SchemaReader
	cfg     DiscoveryConfig
	name    string

	// OnOnlineChange fires when a new counter value is observed, before
	// enumeration. OnSymbols carries the filtered+expanded set, OnVariables
	// the auto-registered derivations.
	OnOnlineChange func(counter uint32)
	OnSymbols      func(symbols []Symbol)
	OnVariables    func(vars []DiscoveredVariable)

	mu          sync.Mutex
	lastCounter uint32
	haveCounter bool

	running atomic.Bool
	state   atomic.Value // string
}

// NewWatcher creates a watcher for the session.
func NewWatcher(name string, session SchemaReader, cfg DiscoveryConfig) *Watcher {
	if cfg.PollPeriod <= 0 {
		cfg.PollPeriod = 5 * time.Second
	}
	if cfg.DefaultSamplePeriod <= 0 {
		cfg.DefaultSamplePeriod = time.Second
	}
	w := &Watcher{session: session, cfg: cfg, name: name}
	w.state.Store(StateIdle)
	return w
}

// State returns the current state machine position.
func (w *Watcher) State() string {
	return w.state.Load().(string)
}

// Run polls the OnlineChange counter every PollPeriod until the context is
// cancelled. If an iteration is still in flight when the next tick fires,
// the tick is skipped rather than cancelled.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollPeriod)
	defer ticker.Stop()

	logrus.Infof("DISC: %s watcher started (every %s)", w.name, w.cfg.PollPeriod)
	for {
		select {
		case <-ctx.Done():
			logrus.Infof("DISC: %s watcher stopped", w.name)
			return
		case <-ticker.C:
			w.Check(ctx, false)
		}
	}
}

// Check runs one discovery iteration. With force set, enumeration happens
// regardless of the counter (on-demand discovery). Returns true if
// enumeration ran.
func (w *Watcher) Check(ctx context.Context, force bool) bool {
	if !w.running.CompareAndSwap(false, true) {
		return false // previous iteration still in flight
	}
	defer func() {
		w.state.Store(StateIdle)
		w.running.Store(false)
	}()

	w.state.Store(StateChecking)
	counter, err := w.session.OnlineChangeCount(ctx)
	if err != nil {
		logrus.Warnf("DISC: %s counter read failed: %v", w.name, err)
		return false
	}

	w.mu.Lock()
	changed := !w.haveCounter || counter != w.lastCounter
	if changed {
		w.lastCounter = counter
		w.haveCounter = true
	}
	w.mu.Unlock()

	if !changed && !force {
		return false
	}

	if changed {
		logrus.Infof("DISC: %s OnlineChange counter now %d", w.name, counter)
		// Stale handles would read the wrong locations after an
		// OnlineChange; they re-resolve lazily.
		w.session.InvalidateHandles()
		if w.OnOnlineChange != nil {
			w.OnOnlineChange(counter)
		}
	}

	w.state.Store(StateEnumerating)
	all, err := w.session.Symbols(ctx)
	if err != nil {
		logrus.Warnf("DISC: %s symbol upload failed: %v", w.name, err)
		return false
	}

	filtered := filterSymbols(all, w.cfg.NameFilter)

	w.state.Store(StateExpanding)
	expanded := expandStructs(all, filtered)

	w.state.Store(StateEmitting)
	if w.OnSymbols != nil {
		w.OnSymbols(expanded)
	}
	if w.cfg.AutoRegister && w.OnVariables != nil {
		w.OnVariables(deriveVariables(expanded, w.cfg.DefaultSamplePeriod))
	}
	return true
}

// filterSymbols applies the configured name filter: a glob when it contains
// wildcard characters, a case-insensitive substring match otherwise.
func filterSymbols(symbols []Symbol, filter string) []Symbol {
	if filter == "" {
		return symbols
	}

	glob := strings.ContainsAny(filter, "*?[")
	needle := strings.ToLower(filter)

	out := make([]Symbol, 0, len(symbols))
	for _, s := range symbols {
		if glob {
			if ok, _ := path.Match(filter, s.Path); ok {
				out = append(out, s)
			}
		} else if strings.Contains(strings.ToLower(s.Path), needle) {
			out = append(out, s)
		}
	}
	return out
}

// expandStructs includes the direct children of every non-primitive symbol
// in the set, recursing one level at most for structs-of-structs reached
// through those children.
func expandStructs(all, selected []Symbol) []Symbol {
	seen := make(map[string]bool, len(selected))
	out := make([]Symbol, 0, len(selected))

	add := func(s Symbol) {
		if !seen[s.Path] {
			seen[s.Path] = true
			out = append(out, s)
		}
	}

	for _, s := range selected {
		add(s)
		if _, primitive := PrimitiveTypeName(s.TypeName); primitive {
			continue
		}
		for _, child := range directChildren(all, s.Path) {
			add(child)
			if _, primitive := PrimitiveTypeName(child.TypeName); primitive {
				continue
			}
			// one more level for structs-of-structs, no deeper
			for _, grandchild := range directChildren(all, child.Path) {
				add(grandchild)
			}
		}
	}
	return out
}

// directChildren returns symbols whose path is parent.field with no further
// dots inside field.
func directChildren(all []Symbol, parent string) []Symbol {
	prefix := parent + "."
	var out []Symbol
	for _, s := range all {
		if !strings.HasPrefix(s.Path, prefix) {
			continue
		}
		if strings.Contains(s.Path[len(prefix):], ".") {
			continue
		}
		out = append(out, s)
	}
	return out
}

// deriveVariables turns the primitive-typed symbols of the set into
// auto-registered variables.
func deriveVariables(symbols []Symbol, samplePeriod time.Duration) []DiscoveredVariable {
	out := make([]DiscoveredVariable, 0, len(symbols))
	for _, s := range symbols {
		t, primitive := PrimitiveTypeName(s.TypeName)
		if !primitive {
			continue
		}
		out = append(out, DiscoveredVariable{
			Path:            s.Path,
			Type:            t,
			SamplePeriod:    samplePeriod,
			UseNotification: true,
		})
	}
	return out
}
