// Package dispatcher is the control-plane façade (C8): it asks the
// current router for an expert id, looks the expert up in the table, and
// runs its callable. Routers are hot-swappable at runtime via an atomic
// pointer; an in-flight Exec observes either the old or the new router,
// never a hybrid (§9).
package dispatcher

import (
	"sync"
	"sync/atomic"

	"github.com/jordanhubbard/ditrouter/internal/expert"
	"github.com/jordanhubbard/ditrouter/internal/router"
)

// Dispatcher binds one expert table to a swappable router.
type Dispatcher struct {
	table *expert.Table

	routerSwapMu sync.Mutex
	current      atomic.Pointer[router.Router]
}

// New creates a Dispatcher over table, initially routing with r.
func New(table *expert.Table, r router.Router) *Dispatcher {
	d := &Dispatcher{table: table}
	d.current.Store(&r)
	return d
}

// SetRouter atomically replaces the active routing strategy. Concurrent
// Exec calls observe either the prior router or this one, never fields
// from both.
func (d *Dispatcher) SetRouter(r router.Router) {
	d.routerSwapMu.Lock()
	defer d.routerSwapMu.Unlock()
	d.current.Store(&r)
}

// Router returns the currently active routing strategy.
func (d *Dispatcher) Router() router.Router {
	return *d.current.Load()
}

// Exec routes query to an expert, runs it, and returns the expert id
// that served the request alongside its response. The expert id returned
// by the router must be registered in the table: MustGet panics if not,
// since a router yielding an id outside the table it was built from is a
// wiring bug, not a runtime condition to recover from (§4.8).
func (d *Dispatcher) Exec(query string) (expertID string, response string, err error) {
	r := d.Router()
	expertID = r.Route(query)
	e := d.table.MustGet(expertID)
	resp, err := e.Run(query)
	return expertID, resp, err
}
