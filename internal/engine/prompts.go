package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"agentd/engine/internal/llm"
	"agentd/engine/internal/memory"
)

const plannerSystemPrompt = `You are the planning step of an autonomous coding agent working inside an isolated project directory.
Break the user's goal into small, independently verifiable tasks. Each task should be completable with file edits and shell commands.
Respond with a JSON array of task description strings and nothing else. Example: ["Create main.py with a CLI entry point", "Add a unit test for the parser"].`

const implementerSystemPrompt = `You are the implementation step of an autonomous coding agent working inside an isolated project directory.
Complete the current task using the available tools. Read files before editing them. Keep changes minimal and focused on the task.
When the task is complete, reply without tool calls and summarize what you did in one or two sentences.`

const criticSystemPrompt = `You are the critique step of an autonomous coding agent. Review the completed work against the original goal and the plan.
Look for missing functionality, broken edge cases, and inconsistencies between files.
Respond with a JSON object and nothing else: {"flaws_found": <bool>, "summary": "<short assessment>", "new_tasks": ["<task description>", ...]}.
Propose new tasks only for concrete, fixable flaws. If the work is acceptable, return {"flaws_found": false, "summary": "...", "new_tasks": []}.`

// contextSection renders the memory bundle, the project tree, and the plan.
// It is rebuilt from scratch for every model invocation; nothing here is
// cached between calls.
func contextSection(bundle memory.ContextBundle, tree string, conv *Conversation) string {
	var b strings.Builder
	b.WriteString("## Project constitution\n")
	b.WriteString(formatConstitution(bundle.Constitution))
	if len(bundle.Decisions) > 0 {
		b.WriteString("\n## Decision log\n")
		b.WriteString(formatDecisions(bundle.Decisions))
	}
	b.WriteString("\n## Project files\n")
	b.WriteString(tree)
	b.WriteString("\n")
	if len(conv.Plan) > 0 {
		b.WriteString("\n## Plan\n")
		b.WriteString(formatPlan(conv.Plan))
	}
	return b.String()
}

func formatConstitution(c memory.Constitution) string {
	var b strings.Builder
	if strings.TrimSpace(c.Goal) == "" {
		b.WriteString("(no constitution written yet)\n")
		return b.String()
	}
	fmt.Fprintf(&b, "Goal: %s\n", c.Goal)
	if len(c.TechStack) > 0 {
		fmt.Fprintf(&b, "Tech stack: %s\n", strings.Join(c.TechStack, ", "))
	}
	if c.ArchitectureStyle != "" {
		fmt.Fprintf(&b, "Architecture: %s\n", c.ArchitectureStyle)
	}
	if c.Deployment != "" {
		fmt.Fprintf(&b, "Deployment: %s\n", c.Deployment)
	}
	for _, constraint := range c.Constraints {
		fmt.Fprintf(&b, "Constraint: %s\n", constraint)
	}
	return b.String()
}

func formatDecisions(decisions []memory.DecisionEntry) string {
	var b strings.Builder
	for _, d := range decisions {
		fmt.Fprintf(&b, "- [%d] %s: %s\n", d.ID, d.Title, d.Reasoning)
	}
	return b.String()
}

func formatPlan(plan []Task) string {
	var b strings.Builder
	for _, t := range plan {
		fmt.Fprintf(&b, "- [%s] task %d: %s\n", t.Status, t.ID, t.Description)
	}
	return b.String()
}

func buildPlanMessages(bundle memory.ContextBundle, tree string, conv *Conversation, goal string) []llm.ChatMessage {
	return []llm.ChatMessage{
		{Role: "system", Content: plannerSystemPrompt + "\n\n" + contextSection(bundle, tree, conv)},
		{Role: "user", Content: goal},
	}
}

func buildImplementMessages(bundle memory.ContextBundle, tree string, conv *Conversation, task *Task, failureDetail string) []llm.ChatMessage {
	messages := []llm.ChatMessage{
		{Role: "system", Content: implementerSystemPrompt + "\n\n" + contextSection(bundle, tree, conv)},
	}
	var instruction string
	if task != nil {
		instruction = fmt.Sprintf("Current task %d: %s", task.ID, task.Description)
	} else {
		instruction = "Fix the project so the check command passes. Do not add new features."
	}
	if failureDetail != "" {
		instruction += "\n\nThe previous attempt failed the compile check with this output:\n" + failureDetail +
			"\n\nAddress this failure directly."
	}
	messages = append(messages, llm.ChatMessage{Role: "user", Content: instruction})
	return messages
}

func buildCritiqueMessages(bundle memory.ContextBundle, tree string, conv *Conversation) []llm.ChatMessage {
	var outcomes strings.Builder
	for _, t := range conv.Plan {
		if t.Outcome != "" {
			fmt.Fprintf(&outcomes, "- task %d (%s): %s\n", t.ID, t.Status, t.Outcome)
		}
	}
	user := "Original goal: " + conv.latestUserGoal()
	if outcomes.Len() > 0 {
		user += "\n\nTask outcomes:\n" + outcomes.String()
	}
	return []llm.ChatMessage{
		{Role: "system", Content: criticSystemPrompt + "\n\n" + contextSection(bundle, tree, conv)},
		{Role: "user", Content: user},
	}
}

// extractJSON strips markdown fences and leading prose so model replies that
// wrap their JSON survive parsing.
func extractJSON(content string) string {
	content = strings.TrimSpace(content)
	if idx := strings.Index(content, "```"); idx >= 0 {
		content = content[idx+3:]
		content = strings.TrimPrefix(content, "json")
		if end := strings.Index(content, "```"); end >= 0 {
			content = content[:end]
		}
	}
	start := strings.IndexAny(content, "[{")
	if start < 0 {
		return ""
	}
	return strings.TrimSpace(content[start:])
}

func parsePlanTasks(content string) ([]string, error) {
	raw := extractJSON(content)
	if raw == "" {
		return nil, errors.New("planner reply contains no JSON")
	}
	var descriptions []string
	if err := json.Unmarshal([]byte(raw), &descriptions); err == nil {
		return nonEmpty(descriptions), nil
	}
	// Some models return objects instead of bare strings.
	var objects []struct {
		Description string `json:"description"`
		Task        string `json:"task"`
	}
	if err := json.Unmarshal([]byte(raw), &objects); err != nil {
		return nil, fmt.Errorf("planner reply is not a JSON array: %w", err)
	}
	for _, obj := range objects {
		if obj.Description != "" {
			descriptions = append(descriptions, obj.Description)
		} else if obj.Task != "" {
			descriptions = append(descriptions, obj.Task)
		}
	}
	return nonEmpty(descriptions), nil
}

type critiqueReport struct {
	FlawsFound bool     `json:"flaws_found"`
	Summary    string   `json:"summary"`
	NewTasks   []string `json:"new_tasks"`
}

func parseCritique(content string) (critiqueReport, error) {
	raw := extractJSON(content)
	if raw == "" {
		return critiqueReport{}, errors.New("critique reply contains no JSON")
	}
	var report critiqueReport
	if err := json.Unmarshal([]byte(raw), &report); err != nil {
		return critiqueReport{}, fmt.Errorf("critique reply is not a JSON object: %w", err)
	}
	report.NewTasks = nonEmpty(report.NewTasks)
	return report, nil
}

func nonEmpty(values []string) []string {
	var out []string
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			out = append(out, strings.TrimSpace(v))
		}
	}
	return out
}
