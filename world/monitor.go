package world

import (
	"context"

	"github.com/TSavo/Malice-sub002/store"
)

// Monitor is the change-coherency subscriber: it watches the store's
// change feed and invalidates local cache and alias state when another
// process mutates an object. The store is the single source of truth;
// every process's cache is advisory and self-heals through this feed.
//
// There is an inherent window between a remote write's durability and the
// feed's delivery during which a stale cached read is possible. That
// window is documented, accepted staleness — no cross-object transactions
// are promised anywhere in the substrate.
type Monitor struct {
	reg *Registry
}

// NewMonitor creates a monitor over the registry's cache and aliases.
func NewMonitor(reg *Registry) *Monitor {
	return &Monitor{reg: reg}
}

// Start subscribes to the change feed. Events arrive until ctx is
// cancelled.
func (m *Monitor) Start(ctx context.Context) error {
	log.Infof("change-coherency monitor starting")
	return m.reg.store.Watch(ctx, m.handle)
}

// handle applies one remote change: updates and replaces invalidate the
// cached wrapper (a fresh one is built on next load); deletes additionally
// sweep every alias pointing at the dead object.
func (m *Monitor) handle(ev store.ChangeEvent) {
	switch ev.Op {
	case store.OpUpdate, store.OpReplace:
		log.Debugf("remote %s of #%d, invalidating", ev.Op, ev.ID)
		m.reg.cache.Invalidate(ev.ID)
	case store.OpDelete:
		log.Debugf("remote delete of #%d, invalidating and sweeping aliases", ev.ID)
		m.reg.cache.Invalidate(ev.ID)
		m.reg.removeAliasesFor(ev.ID)
	default:
		log.Warningf("ignoring unknown change op %q for #%d", ev.Op, ev.ID)
	}
}
