package workflow

import (
	"context"

	"bindery/internal/queue"
)

// task is one dispatched bundle occupying a slot.
type task struct {
	rootID  int64
	ctx     context.Context
	cancel  context.CancelCauseFunc
	members map[int64]struct{}
}

func (m *Manager) claim(parent context.Context, jobID int64) *task {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running || m.inflight[jobID] != nil {
		return nil
	}
	if len(m.inflight) >= max(m.queueConfig().MaxConcurrent, 1) {
		return nil
	}
	ctx, cancel := context.WithCancelCause(parent)
	t := &task{
		rootID:  jobID,
		ctx:     ctx,
		cancel:  cancel,
		members: map[int64]struct{}{jobID: {}},
	}
	m.inflight[jobID] = t
	return t
}

// track records the bundle members a task is downloading so Cancel on any
// member reaches it and dispatch never claims them.
func (m *Manager) track(t *task, members []*queue.Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, member := range members {
		t.members[member.ID] = struct{}{}
	}
}

func (m *Manager) release(t *task) {
	m.mu.Lock()
	delete(m.inflight, t.rootID)
	m.mu.Unlock()
	t.cancel(nil)
	m.signal()
}

func (m *Manager) claimedLocked() []int64 {
	var ids []int64
	for _, t := range m.inflight {
		for id := range t.members {
			ids = append(ids, id)
		}
	}
	return ids
}

// cancelTask stops the in-flight task holding any of ids.
func (m *Manager) cancelTask(ids ...int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.inflight {
		for _, id := range ids {
			if _, ok := t.members[id]; ok {
				t.cancel(ErrUserCancelled)
				return true
			}
		}
	}
	return false
}

// InflightCount returns the number of occupied dispatch slots.
func (m *Manager) InflightCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inflight)
}
