package ipc

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"
)

// Callback receives the outcome of one request.
type Callback func(data json.RawMessage, err error)

// Entry is one request awaiting its response.
type Entry struct {
	ID       string
	Subject  string
	Callback Callback
	SentAt   time.Time
	Deadline time.Time
}

// Pending is the correlation table of in-flight requests. Every method that
// removes an entry hands it to exactly one caller, which is then responsible
// for invoking its callback outside the table lock.
type Pending struct {
	mu    sync.Mutex
	items map[string]Entry
}

func NewPending() *Pending {
	return &Pending{items: make(map[string]Entry)}
}

// Add stores an entry. It reports false when the id is empty or in use.
func (p *Pending) Add(entry Entry) bool {
	key := strings.TrimSpace(entry.ID)
	if key == "" {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.items[key]; exists {
		return false
	}
	p.items[key] = entry
	return true
}

// Resolve removes and returns the entry for id.
func (p *Pending) Resolve(id string) (Entry, bool) {
	key := strings.TrimSpace(id)
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.items[key]
	if ok {
		delete(p.items, key)
	}
	return entry, ok
}

// Expire removes and returns every entry whose deadline is not after now,
// ordered by deadline.
func (p *Pending) Expire(now time.Time) []Entry {
	p.mu.Lock()
	var out []Entry
	for key, entry := range p.items {
		if !entry.Deadline.IsZero() && !entry.Deadline.After(now) {
			out = append(out, entry)
			delete(p.items, key)
		}
	}
	p.mu.Unlock()
	sortEntries(out)
	return out
}

// Drain removes and returns every entry ordered by send time.
func (p *Pending) Drain() []Entry {
	p.mu.Lock()
	out := make([]Entry, 0, len(p.items))
	for _, entry := range p.items {
		out = append(out, entry)
	}
	p.items = make(map[string]Entry)
	p.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].SentAt.Before(out[j].SentAt)
	})
	return out
}

func (p *Pending) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.items)
}

func sortEntries(list []Entry) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].Deadline.Equal(list[j].Deadline) {
			return list[i].ID < list[j].ID
		}
		return list[i].Deadline.Before(list[j].Deadline)
	})
}
