// Copyright (c) 2025 InventoryPulse Organization
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"container/heap"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/inventorypulse/pulseflow/persistence"
)

func TestTimerTaskPriorityQueueOrdering(t *testing.T) {
	base := time.Now()
	var tasks []persistence.TimerTask
	for i := 0; i < 100; i++ {
		offset := rand.Intn(1000)
		tasks = append(tasks, persistence.TimerTask{
			TimerId:    fmt.Sprintf("timer-%v", i),
			InstanceId: fmt.Sprintf("inst-%v", i),
			StepId:     "pause",
			FireAt:     base.Add(time.Duration(offset) * time.Second),
		})
	}

	pq := NewTimerTaskPriorityQueue(tasks)

	last := time.Time{}
	for pq.Len() > 0 {
		task := heap.Pop(&pq).(*persistence.TimerTask)
		assert.False(t, task.FireAt.Before(last))
		last = task.FireAt
	}
}

func TestTimerTaskPriorityQueuePushAfterInit(t *testing.T) {
	base := time.Now()
	pq := NewTimerTaskPriorityQueue([]persistence.TimerTask{
		{TimerId: "b", FireAt: base.Add(20 * time.Second)},
		{TimerId: "c", FireAt: base.Add(30 * time.Second)},
	})

	heap.Push(&pq, &persistence.TimerTask{TimerId: "a", FireAt: base.Add(10 * time.Second)})

	assert.Equal(t, "a", heap.Pop(&pq).(*persistence.TimerTask).TimerId)
	assert.Equal(t, "b", heap.Pop(&pq).(*persistence.TimerTask).TimerId)
	assert.Equal(t, "c", heap.Pop(&pq).(*persistence.TimerTask).TimerId)
}
