package bucket

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/ossbucket/ossbucket/internal/authz"
	"github.com/ossbucket/ossbucket/internal/codec"
	"github.com/ossbucket/ossbucket/internal/errs"
	"github.com/ossbucket/ossbucket/internal/kv"
	"github.com/ossbucket/ossbucket/internal/store"
	"github.com/ossbucket/ossbucket/internal/token"
	"github.com/rs/zerolog/log"
)

var stateKey = []byte("b/state")

// Visibility controls anonymous read access.
type Visibility uint8

const (
	Private Visibility = 0
	Public  Visibility = 1
)

func (v Visibility) String() string {
	if v == Public {
		return "public"
	}
	return "private"
}

// State is the bucket-wide configuration. It is seeded on first open
// and persisted with every change.
type State struct {
	Name       string        `cbor:"1,keyasint"`
	Visibility Visibility    `cbor:"2,keyasint"`
	Status     store.Status  `cbor:"3,keyasint"`
	Limits     store.Limits  `cbor:"4,keyasint"`
	Roles      authz.RoleSet `cbor:"5,keyasint"`
	// TrustedKeys and WeakKeys are authorized_keys lines.
	TrustedKeys   []string      `cbor:"6,keyasint,omitempty"`
	WeakKeys      []string      `cbor:"7,keyasint,omitempty"`
	MaxWeakWindow time.Duration `cbor:"8,keyasint"`
	CreatedAt     int64         `cbor:"9,keyasint"` // unix ms
}

func (s State) clone() State {
	s.Roles = authz.RoleSet{Managers: slices.Clone(s.Roles.Managers), Auditors: slices.Clone(s.Roles.Auditors)}
	s.TrustedKeys = slices.Clone(s.TrustedKeys)
	s.WeakKeys = slices.Clone(s.WeakKeys)
	return s
}

// Validate checks the state before it is persisted.
func (s State) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("%w: bucket name is required", errs.ErrPrecondition)
	}
	if !s.Status.Valid() {
		return fmt.Errorf("%w: invalid bucket status %d", errs.ErrPrecondition, s.Status)
	}
	if s.Visibility > Public {
		return fmt.Errorf("%w: invalid visibility %d", errs.ErrPrecondition, s.Visibility)
	}
	if s.MaxWeakWindow < 0 {
		return fmt.Errorf("%w: negative weak token window", errs.ErrPrecondition)
	}
	_, err := s.Keys()
	return err
}

// Keys parses the trusted key lines.
func (s State) Keys() (*token.Keys, error) {
	keys := &token.Keys{MaxWeakWindow: s.MaxWeakWindow}
	for _, line := range s.TrustedKeys {
		pub, err := token.ParsePublicKey(line)
		if err != nil {
			return nil, fmt.Errorf("%w: trusted key: %v", errs.ErrPrecondition, err)
		}
		if err := keys.Add(pub); err != nil {
			return nil, fmt.Errorf("%w: trusted key: %v", errs.ErrPrecondition, err)
		}
	}
	for _, line := range s.WeakKeys {
		pub, err := token.ParsePublicKey(line)
		if err != nil {
			return nil, fmt.Errorf("%w: weak key: %v", errs.ErrPrecondition, err)
		}
		if err := keys.AddWeak(pub); err != nil {
			return nil, fmt.Errorf("%w: weak key: %v", errs.ErrPrecondition, err)
		}
	}
	return keys, nil
}

// stateHolder owns the single in-process copy of State.
type stateHolder struct {
	db kv.Store

	mu    sync.RWMutex
	state State
}

// loadState reads the persisted state, or persists seed if there is none.
func loadState(ctx context.Context, db kv.Store, seed State) (*stateHolder, error) {
	h := &stateHolder{db: db}
	err := db.Update(ctx, func(txn kv.Txn) error {
		data, err := txn.Get(stateKey)
		if errors.Is(err, kv.ErrKeyNotFound) {
			if err := seed.Validate(); err != nil {
				return err
			}
			h.state = seed.clone()
			log.Info().Str("bucket", seed.Name).Msg("initializing bucket state")
			return h.put(txn)
		}
		if err != nil {
			return err
		}
		if err := codec.Unmarshal(data, &h.state); err != nil {
			return fmt.Errorf("%w: decode bucket state: %v", errs.ErrGeneric, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if seed.Name != "" && h.state.Name != seed.Name {
		return nil, fmt.Errorf("%w: data belongs to bucket %q, not %q", errs.ErrPrecondition, h.state.Name, seed.Name)
	}
	return h, nil
}

// Load returns a copy of the current state.
func (h *stateHolder) Load() State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state.clone()
}

// Mutate applies fn to a copy of the state, validates and persists the
// result, and only then makes it current.
func (h *stateHolder) Mutate(ctx context.Context, fn func(*State) error) (State, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	next := h.state.clone()
	if err := fn(&next); err != nil {
		return State{}, err
	}
	if err := next.Validate(); err != nil {
		return State{}, err
	}
	prev := h.state
	h.state = next
	if err := h.Persist(ctx); err != nil {
		h.state = prev
		return State{}, err
	}
	return next.clone(), nil
}

// Persist writes the current state. Callers hold mu.
func (h *stateHolder) Persist(ctx context.Context) error {
	return h.db.Update(ctx, h.put)
}

func (h *stateHolder) put(txn kv.Txn) error {
	data, err := codec.Marshal(h.state)
	if err != nil {
		return fmt.Errorf("encode bucket state: %w", err)
	}
	return txn.Set(stateKey, data)
}
