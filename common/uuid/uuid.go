// Copyright (c) 2025 InventoryPulse Organization
// SPDX-License-Identifier: Apache-2.0

package uuid

import (
	"github.com/google/uuid"
)

// New returns a new random UUID string
func New() string {
	return uuid.NewString()
}
