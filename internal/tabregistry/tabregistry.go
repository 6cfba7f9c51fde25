// Package tabregistry assigns each running instance a small stable
// integer id, coordinating with other instances sharing the same Store
// through keep-alive timestamps rather than locks.
package tabregistry

import (
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rtchat/meshcore/internal/storage"
)

const keyPrefix = "tab:"

// Registry owns a single tab id for the lifetime of the process. On
// construction it purges stale entries (missing or older than timeout),
// picks the lowest non-negative integer not currently present, and writes
// it back. A background goroutine refreshes its own keep-alive timestamp
// at pollInterval until Close is called.
type Registry struct {
	store        storage.Store
	id           int
	timeout      time.Duration
	pollInterval time.Duration
	now          func() time.Time

	mu     sync.Mutex
	closed bool
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New purges stale entries in store, claims the lowest free tab id, and
// starts the keep-alive loop. now defaults to time.Now if nil (tests may
// supply a deterministic clock).
func New(store storage.Store, pollInterval, timeout time.Duration, now func() time.Time) (*Registry, error) {
	if now == nil {
		now = time.Now
	}
	r := &Registry{
		store:        store,
		timeout:      timeout,
		pollInterval: pollInterval,
		now:          now,
		stopCh:       make(chan struct{}),
	}

	r.purgeStale()
	id, err := r.claimLowestFree()
	if err != nil {
		return nil, err
	}
	r.id = id

	r.wg.Add(1)
	go r.keepAliveLoop()
	return r, nil
}

// ID returns the claimed tab id.
func (r *Registry) ID() int {
	return r.id
}

func keyFor(id int) string {
	return keyPrefix + strconv.Itoa(id)
}

func parseID(key string) (int, bool) {
	if !strings.HasPrefix(key, keyPrefix) {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimPrefix(key, keyPrefix))
	if err != nil {
		return 0, false
	}
	return n, true
}

func (r *Registry) purgeStale() {
	n := r.store.Len()
	now := r.now()
	var stale []string
	for i := 0; i < n; i++ {
		key, ok := r.store.KeyAt(i)
		if !ok {
			continue
		}
		if _, isTab := parseID(key); !isTab {
			continue
		}
		raw, ok := r.store.Get(key)
		if !ok {
			stale = append(stale, key)
			continue
		}
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			stale = append(stale, key)
			continue
		}
		ts := time.UnixMilli(ms)
		if now.Sub(ts) > r.timeout {
			stale = append(stale, key)
		}
	}
	for _, key := range stale {
		if err := r.store.Remove(key); err != nil {
			log.Printf("tabregistry: failed to purge %s: %v", key, err)
		}
	}
}

func (r *Registry) claimLowestFree() (int, error) {
	taken := make(map[int]bool)
	n := r.store.Len()
	for i := 0; i < n; i++ {
		key, ok := r.store.KeyAt(i)
		if !ok {
			continue
		}
		if id, isTab := parseID(key); isTab {
			taken[id] = true
		}
	}
	id := 0
	for taken[id] {
		id++
	}
	if err := r.writeKeepAlive(id); err != nil {
		return 0, fmt.Errorf("tabregistry: claim id %d: %w", id, err)
	}
	return id, nil
}

func (r *Registry) writeKeepAlive(id int) error {
	return r.store.Set(keyFor(id), strconv.FormatInt(r.now().UnixMilli(), 10))
}

func (r *Registry) keepAliveLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := r.writeKeepAlive(r.id); err != nil {
				log.Printf("tabregistry: keep-alive write failed: %v", err)
			}
		case <-r.stopCh:
			return
		}
	}
}

// Close removes the registry's own id and keep-alive key and stops the
// background refresh loop. Safe to call once; a second call is a no-op.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.stopCh)
	r.mu.Unlock()

	r.wg.Wait()
	return r.store.Remove(keyFor(r.id))
}
