// Package queue holds the download request queue shared between the IRC
// client, the queue processor and the control API.
package queue

import (
	"fmt"
	"log/slog"
	"sync"
)

// Status is the lifecycle state of a queue item. Transitions only move
// forward: pending -> downloading -> completed or failed.
type Status string

const (
	StatusPending     Status = "pending"
	StatusDownloading Status = "downloading"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
)

// Item is one requested download. Command is derived once at creation and
// never changes afterwards.
type Item struct {
	User     string
	Filename string
	Command  string
	Status   Status
}

func newItem(user, filename string) *Item {
	return &Item{
		User:     user,
		Filename: filename,
		Command:  fmt.Sprintf("!%s %s", user, filename),
		Status:   StatusPending,
	}
}

func (i *Item) String() string {
	name := i.Filename
	if len(name) > 50 {
		name = name[:50]
	}

	return fmt.Sprintf("%s (from %s)", name, i.User)
}

// Manager is a thread-safe FIFO of download requests plus a completed-items
// history and a currently-downloading slot. Every mutation notifies the
// registered callbacks after the lock is released, so a callback may safely
// call back into the manager.
type Manager struct {
	mu        sync.Mutex
	items     []*Item
	completed []*Item
	current   *Item
	callbacks []func()
}

func NewManager() *Manager {
	return &Manager{}
}

// Add appends a new pending item to the queue and returns it.
func (m *Manager) Add(user, filename string) *Item {
	item := newItem(user, filename)

	m.mu.Lock()
	m.items = append(m.items, item)
	size := len(m.items)
	m.mu.Unlock()

	slog.Info("added to queue", "item", item.String(), "queue_size", size)

	m.notify()

	return item
}

// PeekNext returns the head item without removing it, marking it as
// downloading. The item stays at the head until MarkCompleted resolves it.
func (m *Manager) PeekNext() *Item {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.items) == 0 {
		return nil
	}

	item := m.items[0]
	item.Status = StatusDownloading

	return item
}

// MarkCompleted resolves an item as completed or failed, appends it to the
// history and pops it off the live queue if it is still the head. A stale
// completion for an item that was already removed only touches the history.
func (m *Manager) MarkCompleted(item *Item, success bool) {
	m.mu.Lock()
	if success {
		item.Status = StatusCompleted
	} else {
		item.Status = StatusFailed
	}

	m.completed = append(m.completed, item)

	if len(m.items) > 0 && m.items[0] == item {
		m.items = m.items[1:]
	}

	done, queued := len(m.completed), len(m.items)
	m.mu.Unlock()

	slog.Info("resolved queue item", "item", item.String(), "success", success, "done", done, "queued", queued)

	m.notify()
}

// Remove deletes the item at index from the live queue. Returns false on an
// out-of-range index.
func (m *Manager) Remove(index int) bool {
	m.mu.Lock()
	if index < 0 || index >= len(m.items) {
		m.mu.Unlock()

		return false
	}

	item := m.items[index]
	m.items = append(m.items[:index], m.items[index+1:]...)
	m.mu.Unlock()

	slog.Info("removed from queue", "item", item.String())

	m.notify()

	return true
}

// MoveUp swaps the item at index with the one above it. The head slot is off
// limits while an item is actively downloading there.
func (m *Manager) MoveUp(index int) bool {
	m.mu.Lock()
	if index <= 0 || index >= len(m.items) {
		m.mu.Unlock()

		return false
	}

	if index == 1 && m.items[0] == m.current {
		m.mu.Unlock()

		return false
	}

	m.items[index], m.items[index-1] = m.items[index-1], m.items[index]
	m.mu.Unlock()

	m.notify()

	return true
}

// MoveDown swaps the item at index with the one below it, with the same
// head-slot guard as MoveUp.
func (m *Manager) MoveDown(index int) bool {
	m.mu.Lock()
	if index < 0 || index >= len(m.items)-1 {
		m.mu.Unlock()

		return false
	}

	if index == 0 && m.items[0] == m.current {
		m.mu.Unlock()

		return false
	}

	m.items[index], m.items[index+1] = m.items[index+1], m.items[index]
	m.mu.Unlock()

	m.notify()

	return true
}

// Clear empties the live queue. The history is untouched.
func (m *Manager) Clear() {
	m.mu.Lock()
	count := len(m.items)
	m.items = nil
	m.mu.Unlock()

	slog.Info("cleared queue", "count", count)

	m.notify()
}

// Items returns a snapshot of the live queue.
func (m *Manager) Items() []Item {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Item, len(m.items))
	for i, item := range m.items {
		out[i] = *item
	}

	return out
}

// CompletedItems returns a snapshot of the completed/failed history.
func (m *Manager) CompletedItems() []Item {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Item, len(m.completed))
	for i, item := range m.completed {
		out[i] = *item
	}

	return out
}

// SetCurrent records which item is the in-flight transfer, independent of
// queue position.
func (m *Manager) SetCurrent(item *Item) {
	m.mu.Lock()
	m.current = item
	m.mu.Unlock()

	m.notify()
}

// Current returns a snapshot of the in-flight item, if any.
func (m *Manager) Current() (Item, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return Item{}, false
	}

	return *m.current, true
}

// Status returns a human-readable queue summary.
func (m *Manager) Status() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	total := len(m.completed) + len(m.items)

	return fmt.Sprintf("%d done, %d queued (total %d)", len(m.completed), len(m.items), total)
}

func (m *Manager) IsEmpty() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.items) == 0
}

func (m *Manager) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.items)
}

// OnChange registers a zero-argument callback invoked after every mutation.
// Callbacks run outside the manager lock and a panicking callback never
// propagates to the mutator.
func (m *Manager) OnChange(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.callbacks = append(m.callbacks, fn)
}

func (m *Manager) notify() {
	m.mu.Lock()
	callbacks := make([]func(), len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.mu.Unlock()

	for _, fn := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("queue callback panic", "panic", r)
				}
			}()

			fn()
		}()
	}
}
