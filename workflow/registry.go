// Package workflow is the API application code uses to define, run and talk
// to durable workflows.
//
// A workflow is an ordinary Go function that receives a *Ctx. Every call it
// makes through the Ctx (activities, signals, sleeps, sub-workflows, loops,
// branches) is recorded in the workflow's history. When the worker runs the
// workflow again after a yield or a crash, recorded calls return their
// stored results instead of executing again.
package workflow

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/pitabwire/durable/model"
)

type kind int

const (
	kindWorkflow kind = iota
	kindActivity
	kindOperation
	kindSignal
	kindMessage
)

func (k kind) String() string {
	switch k {
	case kindWorkflow:
		return "workflow"
	case kindActivity:
		return "activity"
	case kindOperation:
		return "operation"
	case kindSignal:
		return "signal"
	case kindMessage:
		return "message"
	default:
		return "unknown"
	}
}

// Registrable is implemented by every descriptor a Registry accepts.
type Registrable interface {
	Name() string
	kind() kind
}

// runnable is a workflow erased to bytes in, bytes out.
type runnable interface {
	Registrable
	run(c *Ctx, input []byte) ([]byte, error)
}

// snapshot is the frozen view workers read from.
type snapshot struct {
	workflows map[string]runnable
	names     []string
}

// Registry maps names to workflow, activity, operation, signal and message
// descriptors. It is frozen when the first worker is built from it; later
// registrations fail.
type Registry struct {
	mu      sync.Mutex
	entries map[kind]map[string]Registrable
	snap    atomic.Pointer[snapshot]
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[kind]map[string]Registrable)}
}

// Register adds descriptors. A name may be used once per kind.
func (r *Registry) Register(items ...Registrable) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.snap.Load() != nil {
		return &model.WorkflowError{
			Code:    model.ErrDuplicateRegisteredWorkflow,
			Message: "registry is frozen",
		}
	}
	for _, item := range items {
		k := item.kind()
		byName, ok := r.entries[k]
		if !ok {
			byName = make(map[string]Registrable)
			r.entries[k] = byName
		}
		if _, dup := byName[item.Name()]; dup {
			return model.NewDuplicateRegisteredWorkflowError(k.String(), item.Name())
		}
		byName[item.Name()] = item
	}
	return nil
}

// MustRegister is Register for program setup. It panics on error.
func (r *Registry) MustRegister(items ...Registrable) *Registry {
	if err := r.Register(items...); err != nil {
		panic(err)
	}
	return r
}

// freeze builds the immutable snapshot. It is idempotent.
func (r *Registry) freeze() *snapshot {
	if s := r.snap.Load(); s != nil {
		return s
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if s := r.snap.Load(); s != nil {
		return s
	}

	s := &snapshot{workflows: make(map[string]runnable)}
	for name, item := range r.entries[kindWorkflow] {
		s.workflows[name] = item.(runnable)
		s.names = append(s.names, name)
	}
	sort.Strings(s.names)
	r.snap.Store(s)
	return s
}

// WorkflowNames returns the registered workflow names, sorted. Workers use
// them as their pull filter.
func (r *Registry) WorkflowNames() []string {
	return append([]string(nil), r.freeze().names...)
}

// Names lists every registered name of every kind, keyed by kind name.
func (r *Registry) Names() map[string][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string][]string, len(r.entries))
	for k, byName := range r.entries {
		names := make([]string, 0, len(byName))
		for name := range byName {
			names = append(names, name)
		}
		sort.Strings(names)
		out[k.String()] = names
	}
	return out
}

func (r *Registry) workflow(name string) (runnable, bool) {
	wf, ok := r.freeze().workflows[name]
	return wf, ok
}
