// Package presence tracks which devices are connected to each property.
//
// A device may hold several connections at once (two tabs, say). It counts
// as connected from its first connection until its last one closes.
package presence

import (
	"cmp"
	"slices"
	"strings"
	"sync"
)

type Device struct {
	UserID   string `json:"userId"`
	DeviceID string `json:"deviceId"`
}

type Tracker struct {
	mu sync.Mutex
	// property id -> device -> open connections
	props map[string]map[Device]int
}

func NewTracker() *Tracker {
	return &Tracker{props: make(map[string]map[Device]int)}
}

// Connect records a connection for d and reports whether d just came online.
func (t *Tracker) Connect(propertyID string, d Device) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	devices, ok := t.props[propertyID]
	if !ok {
		devices = make(map[Device]int)
		t.props[propertyID] = devices
	}
	devices[d]++
	return devices[d] == 1
}

// Disconnect drops a connection of d and reports whether d went offline.
func (t *Tracker) Disconnect(propertyID string, d Device) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	devices := t.props[propertyID]
	n, ok := devices[d]
	if !ok {
		return false
	}
	if n > 1 {
		devices[d] = n - 1
		return false
	}
	delete(devices, d)
	if len(devices) == 0 {
		delete(t.props, propertyID)
	}
	return true
}

// Online lists the connected devices of propertyID, sorted by user then device.
func (t *Tracker) Online(propertyID string) []Device {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Device, 0, len(t.props[propertyID]))
	for d := range t.props[propertyID] {
		out = append(out, d)
	}
	slices.SortFunc(out, func(a, b Device) int {
		return cmp.Or(strings.Compare(a.UserID, b.UserID), strings.Compare(a.DeviceID, b.DeviceID))
	})
	return out
}
