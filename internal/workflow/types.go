package workflow

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Mode selects how a workflow's tasks are scheduled.
type Mode string

const (
	// Sequential runs tasks in order, feeding each completed task's output
	// into the context of the ones after it.
	Sequential Mode = "sequential"
	// Parallel launches every task at once with no shared context.
	Parallel Mode = "parallel"
	// Graph schedules by the task dependency DAG.
	Graph Mode = "graph"
)

// TaskStatus is a task's lifecycle state. SKIPPED is reachable only from
// PENDING, when an earlier failure makes the task unrunnable.
type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusRunning   TaskStatus = "running"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
	StatusSkipped   TaskStatus = "skipped"
)

// Task is a single unit of work bound to one office action. Executor
// goroutines mutate the lifecycle fields while status reports read them,
// so all lifecycle access goes through the methods below.
type Task struct {
	ID           string
	Office       string
	Action       string
	InputContext map[string]interface{}
	Dependencies []string

	mu        sync.Mutex
	Status    TaskStatus
	Result    map[string]interface{}
	Error     string
	StartTime time.Time
	EndTime   time.Time
}

func (t *Task) begin() {
	t.mu.Lock()
	t.Status = StatusRunning
	t.StartTime = time.Now()
	t.mu.Unlock()
}

func (t *Task) markSkipped() {
	t.mu.Lock()
	t.Status = StatusSkipped
	t.mu.Unlock()
}

// finish records the terminal state and returns the elapsed seconds.
func (t *Task) finish(status TaskStatus, output map[string]interface{}, errMsg string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.EndTime = time.Now()
	t.Status = status
	t.Result = output
	t.Error = errMsg
	return t.EndTime.Sub(t.StartTime).Seconds()
}

// snapshot reads a consistent point-in-time view of the task.
func (t *Task) snapshot() TaskStatusView {
	t.mu.Lock()
	defer t.mu.Unlock()
	view := TaskStatusView{Office: t.Office, Action: t.Action, Status: t.Status}
	if !t.EndTime.IsZero() {
		view.ExecutionTime = t.EndTime.Sub(t.StartTime).Seconds()
	}
	return view
}

// Definition is a complete workflow specification.
type Definition struct {
	ID              string
	Name            string
	Description     string
	Mode            Mode
	Tasks           []*Task
	SynthesisOffice string
	CreatedAt       time.Time
}

// TaskSpec is the caller-facing shape used to define a task. ID may be
// set explicitly so sibling tasks can reference it in Dependencies; when
// empty an ID is generated.
type TaskSpec struct {
	ID           string                 `yaml:"id"`
	Office       string                 `yaml:"office"`
	Action       string                 `yaml:"action"`
	InputContext map[string]interface{} `yaml:"input_context"`
	Dependencies []string               `yaml:"dependencies"`
}

// TaskResult is the terminal record of one task execution.
type TaskResult struct {
	TaskID        string                 `json:"task_id"`
	Office        string                 `json:"office"`
	Action        string                 `json:"action"`
	Status        TaskStatus             `json:"status"`
	Output        map[string]interface{} `json:"output,omitempty"`
	Error         string                 `json:"error,omitempty"`
	ExecutionTime float64                `json:"execution_time"`
}

// SynthesisResult is the output of the optional synthesis step.
type SynthesisResult struct {
	SynthesisOffice string                 `json:"synthesis_office"`
	Synthesis       map[string]interface{} `json:"synthesis"`
	TaskCount       int                    `json:"task_count"`
	SuccessfulCount int                    `json:"successful_count"`
}

// ExecutionResult summarizes one workflow run.
type ExecutionResult struct {
	WorkflowID    string           `json:"workflow_id"`
	ExecutionTime float64          `json:"execution_time"`
	TaskResults   []TaskResult     `json:"task_results"`
	FinalResult   *SynthesisResult `json:"final_result,omitempty"`
	Status        string           `json:"status"` // completed | partial | stuck
	StuckTasks    []string         `json:"stuck_tasks,omitempty"`
}

// TaskStatusView is one task's entry in a status report.
type TaskStatusView struct {
	Office        string     `json:"office"`
	Action        string     `json:"action"`
	Status        TaskStatus `json:"status"`
	ExecutionTime float64    `json:"execution_time,omitempty"`
}

// StatusReport is a point-in-time view of a workflow's tasks.
type StatusReport struct {
	WorkflowID string                    `json:"workflow_id"`
	Name       string                    `json:"name"`
	Mode       Mode                      `json:"mode"`
	Tasks      map[string]TaskStatusView `json:"tasks"`
}

// StuckError reports a graph workflow that cannot make progress: no task
// is ready but not all tasks are complete, either because a dependency
// failed or because the dependency graph contains a cycle.
type StuckError struct {
	WorkflowID string
	// RootCauses are the failed tasks that blocked progress, if any.
	RootCauses []string
	// StuckTasks are the tasks that can never become ready.
	StuckTasks []string
}

func (e *StuckError) Error() string {
	return fmt.Sprintf("workflow %s stuck: tasks [%s] cannot run (failed dependencies or cycle: [%s])",
		e.WorkflowID, strings.Join(e.StuckTasks, ", "), strings.Join(e.RootCauses, ", "))
}
