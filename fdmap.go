package reactor

import (
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// fdTable is the FD→Connection bijection described in spec.md §3. It is
// backed by an insertion-ordered map (github.com/wk8/go-ordered-map/v2,
// a srgg-blecli dependency) rather than a bare Go map, so closeall and
// the shutdown scenario in §8 visit live connections in a deterministic
// order instead of Go's randomized map iteration order.
type fdTable struct {
	m *orderedmap.OrderedMap[int, *Connection]
}

func newFDTable() *fdTable {
	return &fdTable{m: orderedmap.New[int, *Connection]()}
}

func (t *fdTable) set(fd int, c *Connection) { t.m.Set(fd, c) }

func (t *fdTable) get(fd int) (*Connection, bool) { return t.m.Get(fd) }

func (t *fdTable) delete(fd int) { t.m.Delete(fd) }

func (t *fdTable) len() int { return t.m.Len() }

// each visits every live connection in insertion order. The callback
// must not mutate the table directly while iterating; callers that
// need to destroy connections while iterating should collect them
// first (see CloseAll in factory.go).
func (t *fdTable) each(fn func(fd int, c *Connection)) {
	for pair := t.m.Oldest(); pair != nil; pair = pair.Next() {
		fn(pair.Key, pair.Value)
	}
}
