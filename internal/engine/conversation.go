package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"agentd/engine/internal/llm"
)

// Phase is the orchestrator's top-level state for one conversation.
type Phase string

const (
	PhasePlan      Phase = "PLAN"
	PhaseImplement Phase = "IMPLEMENT"
	PhaseCritique  Phase = "CRITIQUE"
	PhaseDone      Phase = "DONE"
	PhaseAborted   Phase = "ABORTED"
)

func (p Phase) Terminal() bool {
	return p == PhaseDone || p == PhaseAborted
}

var phaseTransitions = map[Phase][]Phase{
	PhasePlan:      {PhaseImplement, PhaseAborted},
	PhaseImplement: {PhaseCritique, PhaseDone, PhaseAborted},
	PhaseCritique:  {PhaseImplement, PhaseDone, PhaseAborted},
}

type TaskStatus string

const (
	TaskPending TaskStatus = "pending"
	TaskActive  TaskStatus = "active"
	TaskDone    TaskStatus = "done"
	TaskFailed  TaskStatus = "failed"
)

// Task is one unit of the plan. Status moves strictly forward
// (pending -> active -> done|failed); the only exception is the explicit
// cancellation revert, which puts an active task back to pending.
type Task struct {
	ID          int        `json:"id"`
	Description string     `json:"description"`
	Status      TaskStatus `json:"status"`
	Outcome     string     `json:"outcome,omitempty"`
	Origin      string     `json:"origin"`
}

func (t *Task) advance(next TaskStatus) error {
	valid := false
	switch t.Status {
	case TaskPending:
		valid = next == TaskActive
	case TaskActive:
		valid = next == TaskDone || next == TaskFailed
	}
	if !valid {
		return fmt.Errorf("task %d cannot move from %s to %s", t.ID, t.Status, next)
	}
	t.Status = next
	return nil
}

// revertToPending undoes an in-flight activation after a user cancel. It is
// not a normal transition and is only legal from active.
func (t *Task) revertToPending() error {
	if t.Status != TaskActive {
		return fmt.Errorf("task %d is %s, only active tasks revert to pending", t.ID, t.Status)
	}
	t.Status = TaskPending
	return nil
}

// Message is one persisted conversation entry. Tool results reference the
// call they answer through ToolCallID.
type Message struct {
	ID         string         `json:"id"`
	Role       string         `json:"role"`
	Content    string         `json:"content,omitempty"`
	ToolCalls  []llm.ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	CreatedAt  string         `json:"created_at"`
}

// Conversation is the durable per-workspace record: the message history,
// the plan, and the current phase. It is owned by at most one run at a time.
type Conversation struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	Phase          Phase     `json:"phase"`
	Messages       []Message `json:"messages"`
	Plan           []Task    `json:"plan"`
	CritiqueCycles int       `json:"critique_cycles"`
	CreatedAt      string    `json:"created_at"`
	UpdatedAt      string    `json:"updated_at"`
}

const conversationFile = "conversation.json"

func newConversation(id, title string) *Conversation {
	now := time.Now().UTC().Format(time.RFC3339)
	return &Conversation{
		ID:        id,
		Title:     title,
		Phase:     PhasePlan,
		Messages:  []Message{},
		Plan:      []Task{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (c *Conversation) setPhase(next Phase) error {
	if c.Phase == next {
		return nil
	}
	for _, allowed := range phaseTransitions[c.Phase] {
		if allowed == next {
			c.Phase = next
			return nil
		}
	}
	return fmt.Errorf("invalid phase transition %s -> %s", c.Phase, next)
}

func (c *Conversation) appendMessage(role, content string) *Message {
	return c.appendFullMessage(Message{Role: role, Content: content})
}

func (c *Conversation) appendFullMessage(msg Message) *Message {
	msg.ID = fmt.Sprintf("m-%d", len(c.Messages)+1)
	msg.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	c.Messages = append(c.Messages, msg)
	return &c.Messages[len(c.Messages)-1]
}

func (c *Conversation) appendTasks(descriptions []string, origin string) {
	next := 1
	for _, t := range c.Plan {
		if t.ID >= next {
			next = t.ID + 1
		}
	}
	for _, desc := range descriptions {
		desc = strings.TrimSpace(desc)
		if desc == "" {
			continue
		}
		c.Plan = append(c.Plan, Task{ID: next, Description: desc, Status: TaskPending, Origin: origin})
		next++
	}
}

func (c *Conversation) activeTask() *Task {
	for i := range c.Plan {
		if c.Plan[i].Status == TaskActive {
			return &c.Plan[i]
		}
	}
	return nil
}

func (c *Conversation) unfinishedTasks() int {
	count := 0
	for _, t := range c.Plan {
		if t.Status == TaskPending || t.Status == TaskActive {
			count++
		}
	}
	return count
}

// latestUserGoal returns the content of the most recent user message.
func (c *Conversation) latestUserGoal() string {
	for i := len(c.Messages) - 1; i >= 0; i-- {
		if c.Messages[i].Role == "user" {
			return c.Messages[i].Content
		}
	}
	return ""
}

func loadConversation(metaDir string) (*Conversation, error) {
	data, err := os.ReadFile(filepath.Join(metaDir, conversationFile))
	if err != nil {
		return nil, err
	}
	var conv Conversation
	if err := json.Unmarshal(data, &conv); err != nil {
		return nil, fmt.Errorf("parse %s: %w", conversationFile, err)
	}
	return &conv, nil
}

func (c *Conversation) save(metaDir string) error {
	c.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(metaDir, conversationFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func conversationExists(metaDir string) bool {
	_, err := os.Stat(filepath.Join(metaDir, conversationFile))
	return err == nil
}
