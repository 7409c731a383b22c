package taskbus

import (
	"sort"
	"strings"
	"sync"
	"time"
)

type EventType string

const (
	EventRegistered     EventType = "task:registered"
	EventStarted        EventType = "task:started"
	EventStepAdded      EventType = "task:stepAdded"
	EventStepStarted    EventType = "task:stepStarted"
	EventStepCompleted  EventType = "task:stepCompleted"
	EventStepFailed     EventType = "task:stepFailed"
	EventCommandUpdated EventType = "task:commandUpdated"
	EventCompleted      EventType = "task:completed"
)

// StepView is the step snapshot carried on step events and returned to late
// subscribers.
type StepView struct {
	Index       int    `json:"index"`
	Description string `json:"description"`
	Command     string `json:"command"`
	Status      string `json:"status"`
	Error       string `json:"error,omitempty"`
}

type Event struct {
	Type      EventType      `json:"type"`
	TaskID    string         `json:"taskId"`
	UserID    string         `json:"userId"`
	SessionID string         `json:"sessionId"`
	Timestamp time.Time      `json:"timestamp"`
	Status    string         `json:"status,omitempty"`
	Step      *StepView      `json:"step,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

type StepUpdate struct {
	TaskID    string    `json:"taskId"`
	StepIndex int       `json:"stepIndex"`
	Command   string    `json:"command"`
	QueuedAt  time.Time `json:"queuedAt"`
}

type Listener func(Event)

// Bus is the in-process broker for task lifecycle events. Emission is
// synchronous: listeners observe events in coordinator emission order. There
// is no replay; late subscribers read the snapshot tables instead.
type Bus struct {
	emitMu sync.Mutex

	mu        sync.Mutex
	nextSubID int
	listeners map[int]Listener
	statuses  map[string]string
	steps     map[string]map[int]StepView
	pending   map[string][]StepUpdate
}

func New() *Bus {
	return &Bus{
		listeners: map[int]Listener{},
		statuses:  map[string]string{},
		steps:     map[string]map[int]StepView{},
		pending:   map[string][]StepUpdate{},
	}
}

// Subscribe attaches a listener and returns its detach func. Events emitted
// before attachment are not replayed.
func (b *Bus) Subscribe(fn Listener) func() {
	b.mu.Lock()
	b.nextSubID++
	id := b.nextSubID
	b.listeners[id] = fn
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.listeners, id)
		b.mu.Unlock()
	}
}

func (b *Bus) Emit(evt Event) {
	b.emitMu.Lock()
	defer b.emitMu.Unlock()

	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	b.mu.Lock()
	if evt.Status != "" {
		b.statuses[evt.TaskID] = evt.Status
	}
	if evt.Step != nil {
		byIndex, ok := b.steps[evt.TaskID]
		if !ok {
			byIndex = map[int]StepView{}
			b.steps[evt.TaskID] = byIndex
		}
		byIndex[evt.Step.Index] = *evt.Step
	}
	if evt.Type == EventCompleted {
		delete(b.pending, evt.TaskID)
	}
	listeners := make([]Listener, 0, len(b.listeners))
	ids := make([]int, 0, len(b.listeners))
	for id := range b.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		listeners = append(listeners, b.listeners[id])
	}
	b.mu.Unlock()

	for _, fn := range listeners {
		fn(evt)
	}
}

// TaskStatus returns the last observed status, or "" for unknown tasks.
func (b *Bus) TaskStatus(taskID string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.statuses[taskID]
}

// TaskSteps returns the current step snapshots ordered by index.
func (b *Bus) TaskSteps(taskID string) []StepView {
	b.mu.Lock()
	defer b.mu.Unlock()
	byIndex := b.steps[taskID]
	out := make([]StepView, 0, len(byIndex))
	for _, view := range byIndex {
		out = append(out, view)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

func (b *Bus) QueueStepUpdate(taskID string, stepIndex int, command string) {
	taskID = strings.TrimSpace(taskID)
	command = strings.TrimSpace(command)
	if taskID == "" || command == "" || stepIndex < 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending[taskID] = append(b.pending[taskID], StepUpdate{
		TaskID:    taskID,
		StepIndex: stepIndex,
		Command:   command,
		QueuedAt:  time.Now(),
	})
}

// ConsumeStepUpdate returns and removes the first update queued for the given
// step, or nil.
func (b *Bus) ConsumeStepUpdate(taskID string, stepIndex int) *StepUpdate {
	b.mu.Lock()
	defer b.mu.Unlock()
	queue := b.pending[taskID]
	for i, update := range queue {
		if update.StepIndex == stepIndex {
			b.pending[taskID] = append(queue[:i:i], queue[i+1:]...)
			out := update
			return &out
		}
	}
	return nil
}

// DiscardStaleUpdates drops queued updates at or behind the given step index;
// they can never be consumed.
func (b *Bus) DiscardStaleUpdates(taskID string, currentIndex int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	queue := b.pending[taskID]
	kept := queue[:0]
	for _, update := range queue {
		if update.StepIndex > currentIndex {
			kept = append(kept, update)
		}
	}
	b.pending[taskID] = kept
}

// PendingUpdates reports how many updates are queued for a task.
func (b *Bus) PendingUpdates(taskID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending[taskID])
}
