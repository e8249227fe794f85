// Package props is the property/parameter registry: the current value and
// valid range of every externally visible control, validated centrally
// before anything reaches the capture device.
package props

import (
	"fmt"
	"math"
	"sync"

	"github.com/cjeanneret/IndiGo/internal/debug"
	"github.com/cjeanneret/IndiGo/internal/errcode"
)

// Schema declares one property. Min/Max apply to Number kinds; a reported
// Max <= Min means the device metadata is degenerate and the value is
// unbounded above Min. Choices apply to Switch kinds.
type Schema struct {
	Name  string
	Label string
	Kind  Kind

	Min     float64
	Max     float64
	Choices []string

	ReadOnly bool
	Volatile bool // excluded from persisted configuration
	// Reconfigure marks properties whose change requires the device to go
	// through a configuration cycle before the next exposure.
	Reconfigure bool
}

// Property is a read-only view of a registered property.
type Property struct {
	Schema
	Value Value
}

// Change is the notification published for every accepted write.
type Change struct {
	Name        string
	Value       Value
	State       State
	Reconfigure bool
}

type entry struct {
	schema Schema
	value  Value
}

// Registry holds the property set. Client writes go through Set and are
// validated; the driver's own derived updates go through Update and bypass
// the read-only check but not the type check.
type Registry struct {
	mu    sync.RWMutex
	props map[string]*entry
	order []string
	dirty bool
	subs  []func(Change)
}

func NewRegistry() *Registry {
	return &Registry{props: map[string]*entry{}}
}

// OnChange registers a change subscriber. Subscribers are invoked
// synchronously on every accepted write; they must not call back into the
// registry's write path.
func (r *Registry) OnChange(fn func(Change)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs = append(r.subs, fn)
}

// Define registers a property. It panics on duplicate names to catch wiring
// mistakes at start-up.
func (r *Registry) Define(s Schema, initial Value) {
	if s.Name == "" {
		panic("props: empty property name")
	}
	if initial.Kind != s.Kind {
		panic(fmt.Sprintf("props: %s initial value kind %s != schema kind %s", s.Name, initial.Kind, s.Kind))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.props[s.Name]; exists {
		panic(fmt.Sprintf("props: property %q already defined", s.Name))
	}
	r.props[s.Name] = &entry{schema: s, value: initial}
	r.order = append(r.order, s.Name)
}

// Remove drops a property, e.g. on disconnect when the camera-specific set
// goes away.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.props[name]; !ok {
		return
	}
	delete(r.props, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Has reports whether a property is defined.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.props[name]
	return ok
}

// Get returns the current value.
func (r *Registry) Get(name string) (Value, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.props[name]
	if !ok {
		return Value{}, errcode.Msg(errcode.ValidationError, fmt.Sprintf("unknown property %q", name))
	}
	return e.value, nil
}

// Convenience accessors for the driver's own reads. They return the zero
// value for unknown names; the schema is owned by the same code that reads.

func (r *Registry) NumVal(name string) float64 {
	v, _ := r.Get(name)
	return v.Num
}

func (r *Registry) StrVal(name string) string {
	v, _ := r.Get(name)
	return v.Str
}

func (r *Registry) BoolVal(name string) bool {
	v, _ := r.Get(name)
	return v.Bool
}

// List returns all properties in definition order.
func (r *Registry) List() []Property {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Property, 0, len(r.order))
	for _, name := range r.order {
		e := r.props[name]
		out = append(out, Property{Schema: e.schema, Value: e.value})
	}
	return out
}

// Set is the client write path: validates against the schema, rejects
// writes to read-only properties, marks the registry dirty when the write
// implies reconfiguration, and notifies subscribers. On rejection the
// stored value is unchanged.
func (r *Registry) Set(name string, v Value) error {
	r.mu.Lock()
	e, ok := r.props[name]
	if !ok {
		r.mu.Unlock()
		return errcode.Msg(errcode.ValidationError, fmt.Sprintf("unknown property %q", name))
	}
	if e.schema.ReadOnly {
		r.mu.Unlock()
		return errcode.Msg(errcode.NotWritable, fmt.Sprintf("property %q is read-only", name))
	}
	if err := validate(e.schema, v); err != nil {
		r.mu.Unlock()
		return err
	}
	e.value = v
	if e.schema.Reconfigure {
		r.dirty = true
	}
	change := Change{Name: name, Value: v, State: StateOK, Reconfigure: e.schema.Reconfigure}
	subs := r.subs
	r.mu.Unlock()

	debug.Prop(name, v)
	for _, fn := range subs {
		fn(change)
	}
	return nil
}

// Update is the driver's own write path for derived values (busy flags,
// temperatures, countdowns). Read-only properties are writable here; kind
// mismatches still panic as wiring errors.
func (r *Registry) Update(name string, v Value, state State) {
	r.mu.Lock()
	e, ok := r.props[name]
	if !ok {
		r.mu.Unlock()
		return
	}
	if e.schema.Kind != v.Kind {
		r.mu.Unlock()
		panic(fmt.Sprintf("props: update %s with kind %s, want %s", name, v.Kind, e.schema.Kind))
	}
	e.value = v
	change := Change{Name: name, Value: v, State: state}
	subs := r.subs
	r.mu.Unlock()

	for _, fn := range subs {
		fn(change)
	}
}

// Dirty reports whether a reconfigure-flagged property changed since the
// last ClearDirty.
func (r *Registry) Dirty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dirty
}

func (r *Registry) ClearDirty() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dirty = false
}

// Snapshot returns the non-volatile, writable property values, for
// persisted configuration.
func (r *Registry) Snapshot() map[string]Value {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := map[string]Value{}
	for name, e := range r.props {
		if e.schema.Volatile || e.schema.ReadOnly {
			continue
		}
		out[name] = e.value
	}
	return out
}

// Kind returns the declared kind for a property name.
func (r *Registry) Kind(name string) (Kind, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.props[name]
	if !ok {
		return 0, false
	}
	return e.schema.Kind, true
}

func validate(s Schema, v Value) error {
	if v.Kind != s.Kind {
		return errcode.Msg(errcode.ValidationError,
			fmt.Sprintf("property %q wants %s, got %s", s.Name, s.Kind, v.Kind))
	}
	switch s.Kind {
	case Number:
		if math.IsNaN(v.Num) || math.IsInf(v.Num, 0) {
			return errcode.Msg(errcode.ValidationError, fmt.Sprintf("property %q: not a finite number", s.Name))
		}
		if v.Num < s.Min {
			return errcode.Msg(errcode.ValidationError,
				fmt.Sprintf("property %q: %g below minimum %g", s.Name, v.Num, s.Min))
		}
		// Some cameras report max <= min; treat such bounds as unbounded
		// above the minimum instead of locking every write out.
		if s.Max > s.Min && v.Num > s.Max {
			return errcode.Msg(errcode.ValidationError,
				fmt.Sprintf("property %q: %g above maximum %g", s.Name, v.Num, s.Max))
		}
	case Switch:
		for _, c := range s.Choices {
			if v.Str == c {
				return nil
			}
		}
		return errcode.Msg(errcode.ValidationError,
			fmt.Sprintf("property %q: %q is not a valid choice", s.Name, v.Str))
	}
	return nil
}
