package claude

import (
	"encoding/json"
	"fmt"
)

// TodoStatus is the state of one TodoWrite item.
type TodoStatus string

const (
	TodoStatusPending    TodoStatus = "pending"
	TodoStatusInProgress TodoStatus = "in_progress"
	TodoStatusCompleted  TodoStatus = "completed"
	TodoStatusCancelled  TodoStatus = "cancelled"
)

// TodoItem is one entry of the assistant's task list.
type TodoItem struct {
	Content string     `json:"content"`
	Status  TodoStatus `json:"status"`
	// ActiveForm is the present-tense label shown while the item runs,
	// e.g. "Running tests" for "Run tests".
	ActiveForm string `json:"activeForm"`
}

// TodoList is the full list carried by one TodoWrite call. Each call
// replaces the previous list.
type TodoList struct {
	Items []TodoItem
}

type todoWriteInput struct {
	Todos []TodoItem `json:"todos"`
}

// ParseTodoWriteInput decodes the input of a TodoWrite tool call.
func ParseTodoWriteInput(input json.RawMessage) (*TodoList, error) {
	if len(input) == 0 {
		return nil, fmt.Errorf("empty input")
	}

	var parsed todoWriteInput
	if err := json.Unmarshal(input, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse TodoWrite input: %w", err)
	}
	if len(parsed.Todos) == 0 {
		return nil, fmt.Errorf("no todos in input")
	}
	return &TodoList{Items: parsed.Todos}, nil
}

// TodoCounts tallies a list by status.
type TodoCounts struct {
	Pending, InProgress, Completed, Cancelled int
}

// CountByStatus tallies the items. Unknown statuses are not counted.
func (t *TodoList) CountByStatus() TodoCounts {
	var c TodoCounts
	if t == nil {
		return c
	}
	for _, item := range t.Items {
		switch item.Status {
		case TodoStatusPending:
			c.Pending++
		case TodoStatusInProgress:
			c.InProgress++
		case TodoStatusCompleted:
			c.Completed++
		case TodoStatusCancelled:
			c.Cancelled++
		}
	}
	return c
}

func (t *TodoList) HasItems() bool {
	return t != nil && len(t.Items) > 0
}

// IsComplete reports whether nothing is left to do. Cancelled items count
// as done.
func (t *TodoList) IsComplete() bool {
	if !t.HasItems() {
		return false
	}
	for _, item := range t.Items {
		if item.Status != TodoStatusCompleted && item.Status != TodoStatusCancelled {
			return false
		}
	}
	return true
}

// Current returns the item in progress, if any.
func (t *TodoList) Current() (TodoItem, bool) {
	if t == nil {
		return TodoItem{}, false
	}
	for _, item := range t.Items {
		if item.Status == TodoStatusInProgress {
			return item, true
		}
	}
	return TodoItem{}, false
}
