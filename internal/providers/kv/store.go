// Package kv is an in-memory key-value provider. State lives only as long as
// the provider process.
package kv

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/danmuck/nodus/internal/app"
	"github.com/danmuck/nodus/internal/command"
	"github.com/danmuck/nodus/internal/faults"
)

const (
	Name = "kv"

	// EventChanged is emitted after every put and delete.
	EventChanged = "changed"
)

// Entry is the result of get and the data of changed events.
type Entry struct {
	Key     string `json:"key"`
	Value   string `json:"value,omitempty"`
	Found   bool   `json:"found"`
	Deleted bool   `json:"deleted,omitempty"`
}

type Store struct {
	mu    sync.RWMutex
	store map[string]string
}

func NewStore() *Store {
	return &Store{store: make(map[string]string)}
}

func (s *Store) Put(key, value string) {
	s.mu.Lock()
	s.store[key] = value
	s.mu.Unlock()
}

func (s *Store) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.store[key]
	return v, ok
}

// Delete reports whether the key existed.
func (s *Store) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.store[key]
	delete(s.store, key)
	return ok
}

// Keys lists keys with the given prefix, sorted.
func (s *Store) Keys(prefix string) []string {
	s.mu.RLock()
	keys := make([]string, 0, len(s.store))
	for k := range s.store {
		if prefix == "" || strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	s.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// New builds the kv application over a fresh store.
func New() *app.Application {
	return NewWithStore(NewStore())
}

func NewWithStore(s *Store) *app.Application {
	a := app.New(Name, app.WithDescription("In-memory key-value state"), app.WithVersion("1.0.0"))
	key := command.Parameter{Name: "key", Required: true, Description: "Entry key"}

	_ = a.Command("put", []command.Parameter{key, {Name: "value", Description: "Entry value"}},
		func(ctx context.Context, args command.Args) (any, error) {
			k, err := keyArg(args)
			if err != nil {
				return nil, err
			}
			v := args.String("value")
			s.Put(k, v)
			_ = a.Emit(ctx, EventChanged, Entry{Key: k, Value: v, Found: true})
			return Entry{Key: k, Value: v, Found: true}, nil
		})

	_ = a.Command("get", []command.Parameter{key},
		func(_ context.Context, args command.Args) (any, error) {
			k, err := keyArg(args)
			if err != nil {
				return nil, err
			}
			v, ok := s.Get(k)
			return Entry{Key: k, Value: v, Found: ok}, nil
		})

	_ = a.Command("delete", []command.Parameter{key},
		func(ctx context.Context, args command.Args) (any, error) {
			k, err := keyArg(args)
			if err != nil {
				return nil, err
			}
			ok := s.Delete(k)
			if ok {
				_ = a.Emit(ctx, EventChanged, Entry{Key: k, Deleted: true})
			}
			return Entry{Key: k, Found: ok, Deleted: ok}, nil
		})

	_ = a.Command("list", []command.Parameter{{Name: "prefix", Description: "Only keys with this prefix"}},
		func(_ context.Context, args command.Args) (any, error) {
			return s.Keys(args.String("prefix")), nil
		})
	return a
}

func keyArg(args command.Args) (string, error) {
	k := strings.TrimSpace(args.String("key"))
	if k == "" {
		return "", faults.New(faults.RequiredArgument, faults.Data{"argument": "key"}, "key must not be blank")
	}
	return k, nil
}
