package kafka

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

type seqDedupe struct {
	mu  sync.Mutex
	lru *lru.Cache[string, uint64]
}

func newSeqDedupe(size int) *seqDedupe {
	if size <= 0 {
		size = 4096
	}
	c, _ := lru.New[string, uint64](size)
	return &seqDedupe{lru: c}
}

// fresh reports whether seq is newer than the last one marked for layer.
func (d *seqDedupe) fresh(layer string, seq uint64) bool {
	if seq == 0 {
		return true
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	last, ok := d.lru.Get(layer)
	return !ok || seq > last
}

func (d *seqDedupe) mark(layer string, seq uint64) {
	if seq == 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if last, ok := d.lru.Get(layer); ok && seq <= last {
		return
	}
	d.lru.Add(layer, seq)
}
