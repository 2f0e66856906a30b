// Package registry maps command names to entrypoints and their metadata.
//
// Reads take an immutable snapshot through an atomic pointer and never
// lock. Writers serialize on a mutex, copy the table, and swap the pointer.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mako10k/vproc/internal/proc"
	"github.com/mako10k/vproc/internal/security"
)

var (
	ErrNotFound            = errors.New("command not found")
	ErrAlreadyRegistered   = errors.New("command already registered")
	ErrMalformedDescriptor = errors.New("malformed command descriptor")
)

// Descriptor is one registered command. Exactly one of Entrypoint and Tool
// is set: Tool is the path of a bundled script the launcher runs instead.
type Descriptor struct {
	Name            string
	Entrypoint      proc.Entrypoint
	Tool            string
	ArgSpec         string
	OperatesOnFiles bool
	Replaceable     bool

	// Symbol identifies the implementation. Names registered with the same
	// symbol are aliases and move together on Replace(..., true).
	Symbol string
}

// Metadata is the introspection view of a descriptor.
type Metadata struct {
	Name            string
	ArgSpec         string
	OperatesOnFiles bool
	Replaceable     bool
	Tool            string
}

type table map[string]Descriptor

// Registry is the process-wide command table.
type Registry struct {
	mu         sync.Mutex
	snapshot   atomic.Pointer[table]
	generation int
	log        zerolog.Logger
	audit      *security.AuditManager
}

// New returns an empty registry.
func New() *Registry {
	r := &Registry{log: log.Logger}
	r.snapshot.Store(&table{})
	return r
}

// WithLogger sets the registry logger.
func (r *Registry) WithLogger(logger zerolog.Logger) *Registry {
	r.log = logger
	return r
}

// WithAudit records registry writes to m.
func (r *Registry) WithAudit(m *security.AuditManager) *Registry {
	r.audit = m
	return r
}

func (d Descriptor) validate() error {
	if d.Name == "" || strings.ContainsAny(d.Name, " \t\n/|;&<>") {
		return fmt.Errorf("%w: invalid name %q", ErrMalformedDescriptor, d.Name)
	}
	if (d.Entrypoint == nil) == (d.Tool == "") {
		return fmt.Errorf("%w: %s: needs exactly one of entrypoint or tool", ErrMalformedDescriptor, d.Name)
	}
	return nil
}

// Register adds d. An existing name is overwritten only when the existing
// descriptor is replaceable.
func (r *Registry) Register(d Descriptor) error {
	if err := d.validate(); err != nil {
		return err
	}
	if d.Symbol == "" {
		d.Symbol = d.Name
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current := *r.snapshot.Load()
	if old, ok := current[d.Name]; ok && !old.Replaceable {
		r.audit.LogRegistryChange(d.Name, security.ActionRegister, false, "not replaceable")
		return fmt.Errorf("register %s: %w", d.Name, ErrAlreadyRegistered)
	}

	next := make(table, len(current)+1)
	for k, v := range current {
		next[k] = v
	}
	next[d.Name] = d
	r.snapshot.Store(&next)

	r.log.Debug().Str("name", d.Name).Str("symbol", d.Symbol).Bool("files", d.OperatesOnFiles).Msg("registered command")
	r.audit.LogRegistryChange(d.Name, security.ActionRegister, true, d.Symbol)
	return nil
}

// Alias registers name as another binding of target's implementation.
func (r *Registry) Alias(name, target string) error {
	d, ok := r.Lookup(target)
	if !ok {
		return fmt.Errorf("alias %s: %s: %w", name, target, ErrNotFound)
	}
	d.Name = name
	return r.Register(d)
}

// Resolve returns the entrypoint bound to name. Names bound to a bundled
// tool have no entrypoint and resolve to ErrNotFound here; use Lookup.
func (r *Registry) Resolve(name string) (proc.Entrypoint, error) {
	d, ok := r.Lookup(name)
	if !ok || d.Entrypoint == nil {
		return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	return d.Entrypoint, nil
}

// Lookup returns the full descriptor for name.
func (r *Registry) Lookup(name string) (Descriptor, bool) {
	d, ok := (*r.snapshot.Load())[name]
	return d, ok
}

// Replace retargets name to entry. With all set, every alias sharing
// name's current implementation is retargeted too; otherwise name alone
// gets a fresh symbol and its aliases keep the old implementation.
func (r *Registry) Replace(name string, entry proc.Entrypoint, all bool) error {
	if entry == nil {
		return fmt.Errorf("replace %s: %w: nil entrypoint", name, ErrMalformedDescriptor)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current := *r.snapshot.Load()
	old, ok := current[name]
	if !ok {
		r.audit.LogRegistryChange(name, security.ActionReplace, false, "not registered")
		return fmt.Errorf("replace %s: %w", name, ErrNotFound)
	}

	r.generation++
	symbol := fmt.Sprintf("%s@%d", name, r.generation)

	next := make(table, len(current))
	retargeted := 0
	for k, v := range current {
		if k == name || (all && v.Symbol == old.Symbol) {
			v.Entrypoint = entry
			v.Tool = ""
			v.Symbol = symbol
			retargeted++
		}
		next[k] = v
	}
	r.snapshot.Store(&next)

	r.log.Debug().Str("name", name).Bool("all", all).Int("retargeted", retargeted).Msg("replaced command")
	r.audit.LogRegistryChange(name, security.ActionReplace, true, fmt.Sprintf("retargeted %d", retargeted))
	return nil
}

// List returns the registered names in sorted order.
func (r *Registry) List() []string {
	current := *r.snapshot.Load()
	names := make([]string, 0, len(current))
	for name := range current {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Metadata returns argument spec and flags of name.
func (r *Registry) Metadata(name string) (Metadata, error) {
	d, ok := r.Lookup(name)
	if !ok {
		return Metadata{}, fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	return Metadata{
		Name:            d.Name,
		ArgSpec:         d.ArgSpec,
		OperatesOnFiles: d.OperatesOnFiles,
		Replaceable:     d.Replaceable,
		Tool:            d.Tool,
	}, nil
}

// Len returns the number of registered names.
func (r *Registry) Len() int {
	return len(*r.snapshot.Load())
}
