// Copyright (c) 2025 InventoryPulse Organization
// SPDX-License-Identifier: Apache-2.0

package workflow

import (
	"fmt"
	"sync"
)

type definitionKey struct {
	name    string
	version int32
}

// Registry holds registered workflow definitions keyed by (name, version)
type Registry struct {
	mu     sync.RWMutex
	defs   map[definitionKey]*Definition
	latest map[string]int32
}

func NewRegistry() *Registry {
	return &Registry{
		defs:   map[definitionKey]*Definition{},
		latest: map[string]int32{},
	}
}

func (r *Registry) Register(def *Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	key := definitionKey{name: def.Name, version: def.Version}
	if _, ok := r.defs[key]; ok {
		return fmt.Errorf("definition %v version %v is already registered", def.Name, def.Version)
	}
	r.defs[key] = def
	if def.Version > r.latest[def.Name] {
		r.latest[def.Name] = def.Version
	}
	return nil
}

func (r *Registry) MustRegister(def *Definition) {
	if err := r.Register(def); err != nil {
		panic(err)
	}
}

func (r *Registry) Get(name string, version int32) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.defs[definitionKey{name: name, version: version}]
	if !ok {
		return nil, fmt.Errorf("unknown definition %v version %v", name, version)
	}
	return def, nil
}

// Latest returns the highest registered version for name
func (r *Registry) Latest(name string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	version, ok := r.latest[name]
	if !ok {
		return nil, fmt.Errorf("unknown definition %v", name)
	}
	return r.defs[definitionKey{name: name, version: version}], nil
}
