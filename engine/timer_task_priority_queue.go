// Copyright (c) 2025 InventoryPulse Organization
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"container/heap"

	"github.com/inventorypulse/pulseflow/persistence"
)

// I know, it looks a lot to have a heap. This is the standard way of using heap in Golang
// See https://pkg.go.dev/container/heap for more details

func NewTimerTaskPriorityQueue(tasks []persistence.TimerTask) TimerTaskPriorityQueue {
	hq := make(TimerTaskPriorityQueue, 0, len(tasks))
	for _, task := range tasks {
		t := task
		hq = append(hq, &t)
	}
	heap.Init(&hq)
	return hq
}

// A TimerTaskPriorityQueue implements heap.Interface and holds timer tasks
// ordered by fire time.
type TimerTaskPriorityQueue []*persistence.TimerTask

func (pq *TimerTaskPriorityQueue) Len() int { return len(*pq) }

func (pq *TimerTaskPriorityQueue) Less(i, j int) bool {
	// We want Pop to give us the earliest fire time so we use before here.
	return (*pq)[i].FireAt.Before((*pq)[j].FireAt)
}

func (pq *TimerTaskPriorityQueue) Swap(i, j int) {
	(*pq)[i], (*pq)[j] = (*pq)[j], (*pq)[i]
}

func (pq *TimerTaskPriorityQueue) Push(x any) {
	item, ok := x.(*persistence.TimerTask)
	if !ok {
		panic("Pushed item is not a TimerTask")
	}
	*pq = append(*pq, item)
}

func (pq *TimerTaskPriorityQueue) Pop() any {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil // avoid memory leak
	*pq = old[0 : n-1]
	return item
}
