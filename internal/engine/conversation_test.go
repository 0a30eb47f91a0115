package engine

import (
	"testing"
)

func TestTaskStatusMovesForwardOnly(t *testing.T) {
	task := Task{ID: 1, Description: "do the thing", Status: TaskPending}
	if err := task.advance(TaskActive); err != nil {
		t.Fatalf("pending -> active: %v", err)
	}
	if err := task.advance(TaskDone); err != nil {
		t.Fatalf("active -> done: %v", err)
	}
	if err := task.advance(TaskActive); err == nil {
		t.Fatalf("done -> active should be rejected")
	}

	task = Task{ID: 2, Status: TaskPending}
	if err := task.advance(TaskDone); err == nil {
		t.Fatalf("pending -> done should be rejected")
	}
	if err := task.advance(TaskFailed); err == nil {
		t.Fatalf("pending -> failed should be rejected")
	}

	task = Task{ID: 3, Status: TaskActive}
	if err := task.advance(TaskFailed); err != nil {
		t.Fatalf("active -> failed: %v", err)
	}
	if err := task.advance(TaskPending); err == nil {
		t.Fatalf("failed -> pending should be rejected")
	}
}

func TestCancelRevertOnlyFromActive(t *testing.T) {
	task := Task{ID: 1, Status: TaskActive}
	if err := task.revertToPending(); err != nil {
		t.Fatalf("active -> pending revert: %v", err)
	}
	if task.Status != TaskPending {
		t.Fatalf("status = %s, want pending", task.Status)
	}
	done := Task{ID: 2, Status: TaskDone}
	if err := done.revertToPending(); err == nil {
		t.Fatalf("done task must not revert")
	}
}

func TestPhaseTransitions(t *testing.T) {
	conv := newConversation("c-1", "test")
	if conv.Phase != PhasePlan {
		t.Fatalf("initial phase = %s, want PLAN", conv.Phase)
	}
	if err := conv.setPhase(PhaseCritique); err == nil {
		t.Fatalf("PLAN -> CRITIQUE should be rejected")
	}
	if err := conv.setPhase(PhaseImplement); err != nil {
		t.Fatalf("PLAN -> IMPLEMENT: %v", err)
	}
	if err := conv.setPhase(PhaseCritique); err != nil {
		t.Fatalf("IMPLEMENT -> CRITIQUE: %v", err)
	}
	if err := conv.setPhase(PhaseImplement); err != nil {
		t.Fatalf("CRITIQUE -> IMPLEMENT: %v", err)
	}
	if err := conv.setPhase(PhaseDone); err != nil {
		t.Fatalf("IMPLEMENT -> DONE: %v", err)
	}
	if !conv.Phase.Terminal() {
		t.Fatalf("DONE should be terminal")
	}
	if err := conv.setPhase(PhaseImplement); err == nil {
		t.Fatalf("DONE is terminal, transitions out must fail")
	}
}

func TestConversationPersistsRoundTrip(t *testing.T) {
	dir := t.TempDir()
	conv := newConversation("round-trip", "greeting project")
	conv.appendMessage("user", "write a greeting")
	conv.appendTasks([]string{"create hello.txt", "verify contents"}, "plan")
	if err := conv.save(dir); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := loadConversation(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.ID != "round-trip" || loaded.Title != "greeting project" {
		t.Fatalf("identity lost: %+v", loaded)
	}
	if len(loaded.Messages) != 1 || loaded.Messages[0].Content != "write a greeting" {
		t.Fatalf("messages lost: %+v", loaded.Messages)
	}
	if len(loaded.Plan) != 2 || loaded.Plan[0].ID != 1 || loaded.Plan[1].ID != 2 {
		t.Fatalf("plan lost: %+v", loaded.Plan)
	}
	if loaded.Plan[1].Status != TaskPending {
		t.Fatalf("task status = %s, want pending", loaded.Plan[1].Status)
	}
}

func TestAppendTasksAssignsIncreasingIDs(t *testing.T) {
	conv := newConversation("ids", "")
	conv.appendTasks([]string{"a", "b"}, "plan")
	conv.Plan[0].Status = TaskDone
	conv.appendTasks([]string{"c", " ", "d"}, "critique")
	if len(conv.Plan) != 4 {
		t.Fatalf("plan length = %d, want 4 (blank descriptions dropped)", len(conv.Plan))
	}
	if conv.Plan[3].ID != 4 || conv.Plan[3].Origin != "critique" {
		t.Fatalf("unexpected final task %+v", conv.Plan[3])
	}
}

func TestLatestUserGoal(t *testing.T) {
	conv := newConversation("goals", "")
	if conv.latestUserGoal() != "" {
		t.Fatalf("expected empty goal on fresh conversation")
	}
	conv.appendMessage("user", "first goal")
	conv.appendMessage("assistant", "ok")
	conv.appendMessage("user", "second goal")
	if goal := conv.latestUserGoal(); goal != "second goal" {
		t.Fatalf("goal = %q, want second goal", goal)
	}
}
