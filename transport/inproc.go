package transport

import (
	"fmt"
	"strconv"
	"sync"
)

// inprocRegistry maps in-process addresses to listening endpoints.
var inprocRegistry = &registry{bound: make(map[string]*Endpoint)}

type registry struct {
	mu    sync.Mutex
	bound map[string]*Endpoint
}

func inprocKey(address string, port uint16) string {
	return address + ":" + strconv.Itoa(int(port))
}

func (r *registry) bind(key string, e *Endpoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.bound[key]; ok {
		return fmt.Errorf("%w: %s", ErrAddressInUse, key)
	}
	r.bound[key] = e
	return nil
}

func (r *registry) lookup(key string) (*Endpoint, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.bound[key]
	return e, ok
}

func (r *registry) unbind(key string, e *Endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.bound[key] == e {
		delete(r.bound, key)
	}
}
