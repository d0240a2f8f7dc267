package ordermgr

import (
	"fmt"
	"sync"

	"github.com/alanyoungcy/venuecore/internal/domain"
)

var transitions = map[domain.OrderStatus][]domain.OrderStatus{
	domain.OrderStatusPending: {
		domain.OrderStatusRouted,
		domain.OrderStatusRejected,
		domain.OrderStatusCancelled,
	},
	domain.OrderStatusRouted: {
		domain.OrderStatusPartiallyFilled,
		domain.OrderStatusFilled,
		domain.OrderStatusCancelled,
		domain.OrderStatusRejected,
	},
	domain.OrderStatusPartiallyFilled: {
		domain.OrderStatusPartiallyFilled,
		domain.OrderStatusFilled,
		domain.OrderStatusCancelled,
	},
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to domain.OrderStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func checkTransition(o domain.Order, to domain.OrderStatus) error {
	if !CanTransition(o.Status, to) {
		return fmt.Errorf("ordermgr: order %s %s -> %s: %w", o.ID, o.Status, to, domain.ErrInvalidTransition)
	}
	return nil
}

// keyedMutex serializes work per key. Entries are dropped once unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

// lock acquires key and returns its release func.
func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &refMutex{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
