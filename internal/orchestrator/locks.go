package orchestrator

import "sync"

// keyedMutex serialises work per key. Entries are reference counted and
// dropped once no goroutine holds or waits for them.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedEntry)}
}

// Lock acquires the lock for key and returns its release func.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// budget is a rule's execution allowance shared by every worker of one
// invocation. It is seeded from the loaded rule and only stops work early:
// the store's conditional increment in Commit is the authority, and close
// records that it refused or used up the last execution.
type budget struct {
	mu      sync.Mutex
	max     int64
	count   int64
	pending int64
	closed  bool
}

func newBudget(max, count int64) *budget {
	return &budget{max: max, count: count}
}

// reserve claims a slot; false once the allowance is used up.
func (b *budget) reserve() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || (b.max > 0 && b.count+b.pending >= b.max) {
		return false
	}
	b.pending++
	return true
}

// release returns a reserved slot, counting it when the execution was
// recorded.
func (b *budget) release(counted bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending--
	if counted {
		b.count++
	}
}

func (b *budget) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
}

func (b *budget) snapshot() (count int64, exhausted bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count, b.closed || (b.max > 0 && b.count >= b.max)
}
