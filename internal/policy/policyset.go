package policy

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"carecoord.org/internal/obs"
)

const defaultHistory = 32

// Snapshot is an immutable compiled rule set. Evaluations hold on to the
// snapshot they started with, so a reload never tears a decision.
type Snapshot struct {
	Version  string    `json:"policy_version"`
	Label    string    `json:"label"`
	Revision uint64    `json:"revision"`
	Digest   string    `json:"digest"`
	Origin   string    `json:"origin"`
	LoadedAt time.Time `json:"loaded_at"`

	doc   Document
	rules []compiledRule
}

// RuleCount returns the number of rules in the snapshot.
func (s *Snapshot) RuleCount() int { return len(s.rules) }

// Document returns a copy of the source document.
func (s *Snapshot) Document() Document {
	doc := s.doc
	doc.Rules = append([]Rule(nil), s.doc.Rules...)
	return doc
}

// ActivePolicySet holds the current snapshot behind an atomic pointer and
// keeps a bounded history of earlier snapshots for forensic replay.
type ActivePolicySet struct {
	current atomic.Pointer[Snapshot]

	mu         sync.Mutex
	revision   uint64
	history    map[string]*Snapshot
	order      []string
	maxHistory int
	now        func() time.Time
}

// SetOption configures an ActivePolicySet.
type SetOption func(*ActivePolicySet)

// WithHistory bounds the number of retained snapshots.
func WithHistory(n int) SetOption {
	return func(p *ActivePolicySet) {
		if n > 0 {
			p.maxHistory = n
		}
	}
}

// WithSetClock overrides the load timestamp source.
func WithSetClock(now func() time.Time) SetOption {
	return func(p *ActivePolicySet) {
		if now != nil {
			p.now = now
		}
	}
}

// NewActivePolicySet compiles src as revision 1.
func NewActivePolicySet(src Source, opts ...SetOption) (*ActivePolicySet, error) {
	p := &ActivePolicySet{
		history:    make(map[string]*Snapshot),
		maxHistory: defaultHistory,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if _, err := p.Replace(src); err != nil {
		return nil, err
	}
	return p, nil
}

// Current returns the active snapshot.
func (p *ActivePolicySet) Current() *Snapshot {
	return p.current.Load()
}

// Version returns the active policy_version.
func (p *ActivePolicySet) Version() string {
	if s := p.current.Load(); s != nil {
		return s.Version
	}
	return ""
}

// Replace compiles src and swaps it in. A compile error leaves the active
// snapshot untouched.
func (p *ActivePolicySet) Replace(src Source) (*Snapshot, error) {
	rules, err := compile(src.Document)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.revision++
	digest := src.Digest
	short := digest
	if len(short) > 12 {
		short = short[:12]
	}
	snap := &Snapshot{
		Version:  fmt.Sprintf("v%d-%s", p.revision, short),
		Label:    src.Document.Label,
		Revision: p.revision,
		Digest:   digest,
		Origin:   src.Origin,
		LoadedAt: p.now().UTC(),
		doc:      src.Document,
		rules:    rules,
	}
	p.history[snap.Version] = snap
	p.order = append(p.order, snap.Version)
	for len(p.order) > p.maxHistory {
		delete(p.history, p.order[0])
		p.order = p.order[1:]
	}
	p.current.Store(snap)

	obs.SetPolicyVersion(snap.Version, snap.Label)
	obs.Info("policy activated", map[string]any{
		"policy_version": snap.Version,
		"label":          snap.Label,
		"rules":          len(rules),
		"origin":         snap.Origin,
	})
	return snap, nil
}

// Lookup returns a retained snapshot by version.
func (p *ActivePolicySet) Lookup(version string) (*Snapshot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.history[version]
	return s, ok
}

// History lists retained versions, oldest first.
func (p *ActivePolicySet) History() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.order...)
}
