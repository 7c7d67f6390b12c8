// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"errors"
	"fmt"
	"sync"
)

// ErrUnknownProvider is returned for a provider name that is not registered.
var ErrUnknownProvider = errors.New("unknown provider")

// Registry holds the stores opened at start-up, keyed by provider name.
//
// Description:
//
//	The registry is built explicitly by the process entry point and passed
//	to the server; nothing registers itself. The first store registered is
//	the default for new data sources unless SetDefault says otherwise.
//
// Thread Safety: Safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	stores map[string]Store
	order  []string
	def    string
}

// NewRegistry returns a registry holding stores.
func NewRegistry(stores ...Store) (*Registry, error) {
	r := &Registry{stores: make(map[string]Store)}
	for _, s := range stores {
		if err := r.Register(s); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a store. Registering a second store for the same provider
// name fails.
func (r *Registry) Register(s Store) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := s.Provider()
	if _, ok := r.stores[name]; ok {
		return fmt.Errorf("provider %q already registered", name)
	}
	r.stores[name] = s
	r.order = append(r.order, name)
	if r.def == "" {
		r.def = name
	}
	return nil
}

// Get returns the store for a provider name.
func (r *Registry) Get(name string) (Store, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.stores[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return s, nil
}

// SetDefault selects the provider used for new data sources.
func (r *Registry) SetDefault(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.stores[name]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	r.def = name
	return nil
}

// Default returns the store used for new data sources.
func (r *Registry) Default() (Store, error) {
	r.mu.RLock()
	name := r.def
	r.mu.RUnlock()
	if name == "" {
		return nil, fmt.Errorf("%w: no providers registered", ErrUnknownProvider)
	}
	return r.Get(name)
}

// Stores returns the registered stores in registration order.
func (r *Registry) Stores() []Store {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Store, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.stores[name])
	}
	return out
}

// Close closes every store and returns the joined errors.
func (r *Registry) Close() error {
	var errs []error
	for _, s := range r.Stores() {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s store: %w", s.Provider(), err))
		}
	}
	return errors.Join(errs...)
}
