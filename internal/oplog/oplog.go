// Package oplog remembers recently applied operation ids.
package oplog

// DefaultLimit is the number of ids kept when New is given a non-positive limit.
const DefaultLimit = 4096

// Log is a bounded set of operation ids. Once full, adding an id forgets
// the oldest one. It is not safe for concurrent use.
type Log struct {
	ids   map[string]struct{}
	ring  []string
	next  int
	limit int
}

func New(limit int) *Log {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Log{ids: make(map[string]struct{}, limit), ring: make([]string, 0, limit), limit: limit}
}

func (l *Log) Has(id string) bool {
	_, ok := l.ids[id]
	return ok
}

// Add records id. Empty and already known ids are ignored.
func (l *Log) Add(id string) {
	if id == "" || l.Has(id) {
		return
	}
	if len(l.ring) < l.limit {
		l.ring = append(l.ring, id)
	} else {
		delete(l.ids, l.ring[l.next])
		l.ring[l.next] = id
		l.next = (l.next + 1) % l.limit
	}
	l.ids[id] = struct{}{}
}

func (l *Log) Len() int {
	return len(l.ring)
}
