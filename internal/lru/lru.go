// Package lru maintains a size-aware least-recently-used index over cache
// keys. It tracks ordering and byte totals only; the owning cache holds the
// values and decides when to evict.
package lru

import (
	"container/list"
	"time"
)

type node struct {
	key          string
	size         int64
	lastAccessed time.Time
}

// Index orders keys from most recently accessed (front) to least (back) and
// tracks the serialized size of each. Not safe for concurrent use; callers
// hold their own lock.
type Index struct {
	ll         *list.List
	items      map[string]*list.Element
	totalBytes int64
}

func New() *Index {
	return &Index{ll: list.New(), items: make(map[string]*list.Element)}
}

// Put inserts or replaces key with the given size and marks it most recently
// used.
func (i *Index) Put(key string, size int64, now time.Time) {
	if el, ok := i.items[key]; ok {
		n := el.Value.(*node)
		i.totalBytes += size - n.size
		n.size = size
		n.lastAccessed = now
		i.ll.MoveToFront(el)
		return
	}
	i.items[key] = i.ll.PushFront(&node{key: key, size: size, lastAccessed: now})
	i.totalBytes += size
}

// Touch marks key most recently used. Unknown keys are ignored.
func (i *Index) Touch(key string, now time.Time) {
	el, ok := i.items[key]
	if !ok {
		return
	}
	el.Value.(*node).lastAccessed = now
	i.ll.MoveToFront(el)
}

// Remove drops key from the index. Unknown keys are ignored.
func (i *Index) Remove(key string) {
	el, ok := i.items[key]
	if !ok {
		return
	}
	i.totalBytes -= el.Value.(*node).size
	i.ll.Remove(el)
	delete(i.items, key)
}

// Oldest returns the least recently used key, i.e. the eviction candidate
// with the smallest last-access time.
func (i *Index) Oldest() (key string, ok bool) {
	el := i.ll.Back()
	if el == nil {
		return "", false
	}
	return el.Value.(*node).key, true
}

// Size returns the recorded size for key, or zero when absent.
func (i *Index) Size(key string) int64 {
	if el, ok := i.items[key]; ok {
		return el.Value.(*node).size
	}
	return 0
}

func (i *Index) Len() int { return i.ll.Len() }

func (i *Index) TotalBytes() int64 { return i.totalBytes }
