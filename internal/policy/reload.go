package policy

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"carecoord.org/internal/obs"
)

// Reloader swaps in a new snapshot when the policy file changes. Reloads run
// on demand (admin endpoint, SIGHUP, CLI) and from an optional poll loop.
type Reloader struct {
	set  *ActivePolicySet
	path string

	mu         sync.Mutex
	lastDigest string
}

// NewReloader watches path for set.
func NewReloader(set *ActivePolicySet, path string) *Reloader {
	r := &Reloader{set: set, path: path}
	if cur := set.Current(); cur != nil {
		r.lastDigest = cur.Digest
	}
	return r
}

// ErrNoPolicyFile is returned when reloading without a configured file.
var ErrNoPolicyFile = errors.New("policy: no policy file configured")

// Reload reads the file and activates it when its digest differs from the
// active one. It reports whether a new snapshot was activated.
func (r *Reloader) Reload(_ context.Context) (*Snapshot, bool, error) {
	if r.path == "" {
		return r.set.Current(), false, ErrNoPolicyFile
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := os.ReadFile(r.path)
	if err != nil {
		return r.set.Current(), false, err
	}
	digest := Digest(data)
	if digest == r.lastDigest {
		return r.set.Current(), false, nil
	}
	src, err := LoadBytes(data, r.path)
	if err != nil {
		obs.Error("policy reload rejected", err, map[string]any{"path": r.path})
		return r.set.Current(), false, err
	}
	snap, err := r.set.Replace(src)
	if err != nil {
		return r.set.Current(), false, err
	}
	r.lastDigest = digest
	return snap, true, nil
}

// Run polls the file every interval until ctx ends.
func (r *Reloader) Run(ctx context.Context, interval time.Duration) {
	if r.path == "" || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, _, err := r.Reload(ctx); err != nil && !errors.Is(err, os.ErrNotExist) {
				obs.Warn("policy poll failed", map[string]any{"path": r.path, "error": err.Error()})
			}
		}
	}
}
