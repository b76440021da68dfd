// Copyright (c) 2025 InventoryPulse Organization
// SPDX-License-Identifier: Apache-2.0

package activity

import (
	"fmt"
	"sync"
)

// DefaultQueue is used when a registration does not name a queue
const DefaultQueue = "default"

// Registry maps activity types to registrations
type Registry struct {
	mu            sync.RWMutex
	registrations map[string]*Registration
}

func NewRegistry() *Registry {
	return &Registry{
		registrations: map[string]*Registration{},
	}
}

func (r *Registry) Register(registration *Registration) error {
	if registration.Type == "" {
		return fmt.Errorf("activity type is required")
	}
	if registration.Handler == nil {
		return fmt.Errorf("activity %v requires a handler", registration.Type)
	}
	if registration.Queue == "" {
		registration.Queue = DefaultQueue
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.registrations[registration.Type]; ok {
		return fmt.Errorf("activity %v is already registered", registration.Type)
	}
	r.registrations[registration.Type] = registration
	return nil
}

func (r *Registry) MustRegister(registration *Registration) {
	if err := r.Register(registration); err != nil {
		panic(err)
	}
}

func (r *Registry) Get(activityType string) (*Registration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	registration, ok := r.registrations[activityType]
	if !ok {
		return nil, fmt.Errorf("unknown activity type %v", activityType)
	}
	return registration, nil
}

// Queues returns the distinct queue names across all registrations
func (r *Registry) Queues() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := map[string]bool{}
	var queues []string
	for _, registration := range r.registrations {
		if !seen[registration.Queue] {
			seen[registration.Queue] = true
			queues = append(queues, registration.Queue)
		}
	}
	return queues
}
