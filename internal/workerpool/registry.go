package workerpool

import (
	"sort"
	"sync"
)

// Named functions are registered process-wide: child workers run the
// same binary, so a name registered in an init func resolves on both
// sides of the stdio protocol.
var (
	funcsMu sync.RWMutex
	funcs   = map[string]NamedFunc{}
)

// RegisterFunc makes fn addressable as name, conventionally
// "package:function". A later registration replaces an earlier one.
func RegisterFunc(name string, fn NamedFunc) {
	funcsMu.Lock()
	defer funcsMu.Unlock()
	funcs[name] = fn
}

// RegisteredFuncs returns the sorted names known to this binary.
func RegisteredFuncs() []string {
	funcsMu.RLock()
	defer funcsMu.RUnlock()
	names := make([]string, 0, len(funcs))
	for name := range funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func lookupFunc(name string) (NamedFunc, bool) {
	funcsMu.RLock()
	defer funcsMu.RUnlock()
	fn, ok := funcs[name]
	return fn, ok
}
