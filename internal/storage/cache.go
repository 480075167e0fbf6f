package storage

import (
	"container/list"
	"sync"
)

// tableMeta is what the provider remembers about a table between calls,
// saving repeated information_schema round-trips.
type tableMeta struct {
	primaryKey string
	exists     bool
}

// metaCache is a small LRU of table -> tableMeta.
type metaCache struct {
	mu   sync.Mutex
	cap  int
	list *list.List
	m    map[string]*list.Element
}

type metaEntry struct {
	table string
	meta  tableMeta
}

func newMetaCache(capacity int) *metaCache {
	if capacity <= 0 {
		capacity = 128
	}
	return &metaCache{cap: capacity, list: list.New(), m: make(map[string]*list.Element, capacity)}
}

func (c *metaCache) get(table string) (tableMeta, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.m[table]; ok {
		c.list.MoveToFront(el)
		return el.Value.(metaEntry).meta, true
	}
	return tableMeta{}, false
}

func (c *metaCache) set(table string, meta tableMeta) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.m[table]; ok {
		el.Value = metaEntry{table: table, meta: meta}
		c.list.MoveToFront(el)
		return
	}
	el := c.list.PushFront(metaEntry{table: table, meta: meta})
	c.m[table] = el
	if c.list.Len() > c.cap {
		oldest := c.list.Back()
		if oldest != nil {
			delete(c.m, oldest.Value.(metaEntry).table)
			c.list.Remove(oldest)
		}
	}
}

// Invalidate drops the cached metadata for one table.
func (c *metaCache) invalidate(table string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.m[table]; ok {
		c.list.Remove(el)
		delete(c.m, table)
	}
}

// Clear drops everything.
func (c *metaCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.list.Init()
	c.m = make(map[string]*list.Element, c.cap)
}
