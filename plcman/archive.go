package plcman

import (
	"sort"
	"sync"

	"s7gate/device"
	"s7gate/logging"
)

// archiveSet tracks the archived variables of one device. It implements
// device.Archiver so the device reports archived flag transitions to it.
type archiveSet struct {
	mu  sync.RWMutex
	ids map[string]string // id -> name
}

var _ device.Archiver = (*archiveSet)(nil)

func newArchiveSet() *archiveSet {
	return &archiveSet{ids: make(map[string]string)}
}

func (a *archiveSet) AddVariable(v *device.Variable) {
	a.mu.Lock()
	a.ids[v.ID()] = v.Name()
	a.mu.Unlock()
	logging.DebugLog("plcman", "archiving %s (%s)", v.Name(), v.ID())
}

func (a *archiveSet) RemoveVariable(id string) {
	a.mu.Lock()
	delete(a.ids, id)
	a.mu.Unlock()
	logging.DebugLog("plcman", "archiving stopped for %s", id)
}

func (a *archiveSet) has(id string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.ids[id]
	return ok
}

func (a *archiveSet) list() []string {
	a.mu.RLock()
	out := make([]string, 0, len(a.ids))
	for id := range a.ids {
		out = append(out, id)
	}
	a.mu.RUnlock()
	sort.Strings(out)
	return out
}
