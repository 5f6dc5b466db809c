package scheduler

import (
	"context"
	"sort"
	"sync"
)

// ResourceLockManager serializes tasks that touch the same resource
// (a file path, a device, an account). Each key gets its own mutex, so tasks
// on different resources run concurrently.
type ResourceLockManager struct {
	mu    sync.Mutex               // Guards the locks map itself
	locks map[string]chan struct{} // Per-resource locks; a full channel is held
}

// NewResourceLockManager creates a new ResourceLockManager.
func NewResourceLockManager() *ResourceLockManager {
	return &ResourceLockManager{
		locks: make(map[string]chan struct{}),
	}
}

func (r *ResourceLockManager) get(key string) chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[key]
	if !ok {
		l = make(chan struct{}, 1)
		r.locks[key] = l
	}
	return l
}

// Lock acquires one resource key.
func (r *ResourceLockManager) Lock(key string) {
	r.get(key) <- struct{}{}
}

// LockContext acquires one resource key unless ctx ends first.
func (r *ResourceLockManager) LockContext(ctx context.Context, key string) error {
	select {
	case r.get(key) <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Unlock releases one resource key. Releasing a key that is not held does
// nothing.
func (r *ResourceLockManager) Unlock(key string) {
	r.mu.Lock()
	l, ok := r.locks[key]
	r.mu.Unlock()
	if !ok {
		return
	}
	select {
	case <-l:
	default:
	}
}

// LockAll acquires every key in sorted order, which keeps two tasks with
// overlapping resources from deadlocking. Duplicate keys are locked once.
func (r *ResourceLockManager) LockAll(keys []string) {
	for _, key := range normalizeKeys(keys) {
		r.Lock(key)
	}
}

// LockAllContext is LockAll that gives up when ctx ends. On failure no key
// is left held.
func (r *ResourceLockManager) LockAllContext(ctx context.Context, keys []string) error {
	sorted := normalizeKeys(keys)
	for i, key := range sorted {
		if err := r.LockContext(ctx, key); err != nil {
			for j := i - 1; j >= 0; j-- {
				r.Unlock(sorted[j])
			}
			return err
		}
	}
	return nil
}

// UnlockAll releases keys acquired by LockAll, in reverse order.
func (r *ResourceLockManager) UnlockAll(keys []string) {
	sorted := normalizeKeys(keys)
	for i := len(sorted) - 1; i >= 0; i-- {
		r.Unlock(sorted[i])
	}
}

func normalizeKeys(keys []string) []string {
	if len(keys) == 0 {
		return nil
	}
	sorted := make([]string, 0, len(keys))
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)
	return sorted
}
