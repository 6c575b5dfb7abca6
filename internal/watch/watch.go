// Package watch provides explicit subscription handles for externally owned state.
package watch

import "sync"

// Disposable releases a subscription. Dispose must be safe to call more than once.
type Disposable interface {
	Dispose()
}

type DisposeFunc func()

func (f DisposeFunc) Dispose() {
	if f != nil {
		f()
	}
}

// Once wraps fn so that only the first Dispose runs it.
func Once(fn func()) Disposable {
	var once sync.Once
	return DisposeFunc(func() { once.Do(fn) })
}

var Nop Disposable = DisposeFunc(nil)

// Group collects handles and disposes them together.
type Group struct {
	mu    sync.Mutex
	items []Disposable
}

func (g *Group) Add(ds ...Disposable) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, d := range ds {
		if d != nil {
			g.items = append(g.items, d)
		}
	}
}

func (g *Group) Dispose() {
	g.mu.Lock()
	items := g.items
	g.items = nil
	g.mu.Unlock()
	for i := len(items) - 1; i >= 0; i-- {
		items[i].Dispose()
	}
}

// Emitter fans a value out to subscribers in subscription order.
type Emitter[T any] struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]func(T)
	order  []uint64
}

func (e *Emitter[T]) Subscribe(fn func(T)) Disposable {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.subs == nil {
		e.subs = map[uint64]func(T){}
	}
	e.nextID++
	id := e.nextID
	e.subs[id] = fn
	e.order = append(e.order, id)
	return Once(func() { e.remove(id) })
}

func (e *Emitter[T]) remove(id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.subs, id)
	for i, x := range e.order {
		if x == id {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
}

// Emit calls every current subscriber. Subscribers added or removed during
// emission take effect for the next Emit.
func (e *Emitter[T]) Emit(v T) {
	e.mu.Lock()
	fns := make([]func(T), 0, len(e.order))
	for _, id := range e.order {
		fns = append(fns, e.subs[id])
	}
	e.mu.Unlock()
	for _, fn := range fns {
		fn(v)
	}
}

func (e *Emitter[T]) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.order)
}

// Watch re-evaluates get on every emission and calls onChange only when the
// observed value differs from the previous one.
func Watch[T comparable, E any](src *Emitter[E], get func() T, onChange func(T)) Disposable {
	var mu sync.Mutex
	last := get()
	return src.Subscribe(func(E) {
		cur := get()
		mu.Lock()
		changed := cur != last
		last = cur
		mu.Unlock()
		if changed {
			onChange(cur)
		}
	})
}
