package link

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps external symbol names to host addresses. A registry is
// shared by every Linker that resolves against it.
type Registry struct {
	mu    sync.RWMutex
	addrs map[string]uintptr
	roots func(table uintptr)
}

func NewRegistry() *Registry {
	return &Registry{addrs: make(map[string]uintptr)}
}

// Register binds name to addr. Rebinding a name to another address fails.
func (r *Registry) Register(name string, addr uintptr) error {
	if name == "" {
		return fmt.Errorf("register: empty symbol name")
	}
	if addr == 0 {
		return fmt.Errorf("register %s: nil address", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.addrs[name]; ok && old != addr {
		return &LinkError{Kind: LinkErrConflict, Op: "register", Symbols: []string{name}, Detail: fmt.Sprintf("already bound to %#x", old)}
	}
	r.addrs[name] = addr
	return nil
}

// RegisterAll binds every entry of syms.
func (r *Registry) RegisterAll(syms map[string]uintptr) error {
	names := make([]string, 0, len(syms))
	for n := range syms {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		if err := r.Register(n, syms[n]); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) Lookup(name string) (uintptr, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.addrs[name]
	return a, ok
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.addrs))
	for n := range r.addrs {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// OnGlobalRoots installs the hook that receives the address of a module's
// global roots table before its code first runs.
func (r *Registry) OnGlobalRoots(hook func(table uintptr)) {
	r.mu.Lock()
	r.roots = hook
	r.mu.Unlock()
}

func (r *Registry) rootsHook() func(uintptr) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.roots
}

func (r *Registry) snapshot() map[string]uintptr {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]uintptr, len(r.addrs))
	for n, a := range r.addrs {
		out[n] = a
	}
	return out
}
