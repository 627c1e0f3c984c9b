package pipeline

import (
	"sort"
	"sync"
)

type entry struct {
	mu    sync.Mutex
	state State
}

// Table 保存全部线索状态，每条线索有独立的锁。
type Table struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// NewTable 创建空表。
func NewTable() *Table {
	return &Table{entries: make(map[string]*entry)}
}

func (t *Table) lookup(leadID string) (*entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[leadID]
	return e, ok
}

// insert 写入新状态；已有记录时仅当 replace 返回 true 才覆盖。
func (t *Table) insert(state State, replace func(existing State) bool) (State, bool) {
	t.mu.Lock()
	e, ok := t.entries[state.LeadID]
	if !ok {
		t.entries[state.LeadID] = &entry{state: state.clone()}
		t.mu.Unlock()
		return State{}, true
	}
	t.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if replace != nil && replace(e.state) {
		state.CreatedAt = e.state.CreatedAt
		e.state = state.clone()
		return State{}, true
	}
	return e.state.clone(), false
}

// update 在线索锁内执行检查与修改；fn 返回错误时不应修改状态。
func (t *Table) update(leadID string, fn func(*State) error) (State, bool, error) {
	e, ok := t.lookup(leadID)
	if !ok {
		return State{}, false, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := fn(&e.state); err != nil {
		return e.state.clone(), true, err
	}
	return e.state.clone(), true, nil
}

// Get 返回线索状态的副本。
func (t *Table) Get(leadID string) (State, bool) {
	e, ok := t.lookup(leadID)
	if !ok {
		return State{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.clone(), true
}

// List 按创建时间返回状态，filter 为空时返回全部。
func (t *Table) List(filter ...Status) []State {
	want := make(map[Status]struct{}, len(filter))
	for _, s := range filter {
		want[s] = struct{}{}
	}
	t.mu.RLock()
	entries := make([]*entry, 0, len(t.entries))
	for _, e := range t.entries {
		entries = append(entries, e)
	}
	t.mu.RUnlock()

	out := make([]State, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		state := e.state.clone()
		e.mu.Unlock()
		if len(want) > 0 {
			if _, ok := want[state.Status]; !ok {
				continue
			}
		}
		out = append(out, state)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].LeadID < out[j].LeadID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Stats 统计每个状态的线索数量。
func (t *Table) Stats() map[Status]int {
	stats := make(map[Status]int, len(AllStatuses))
	for _, s := range AllStatuses {
		stats[s] = 0
	}
	for _, state := range t.List() {
		stats[state.Status]++
	}
	return stats
}
