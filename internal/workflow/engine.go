package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/unitylab/unity-coordinator/internal/history"
	"github.com/unitylab/unity-coordinator/internal/memory"
	"github.com/unitylab/unity-coordinator/internal/metrics"
	"github.com/unitylab/unity-coordinator/internal/office"
)

var (
	// ErrWorkflowNotFound is returned when executing an unknown workflow.
	ErrWorkflowNotFound = errors.New("workflow: not found")
	// ErrUnknownDependency is returned at definition time when a task
	// depends on an ID that is not a sibling task.
	ErrUnknownDependency = errors.New("workflow: dependency references unknown task")
)

// summaryTTL bounds the memory node recorded after a synthesized run.
const summaryTTL = 48 * time.Hour

// Engine orchestrates multi-office workflows. Task execution delegates to
// registered per-office executors; offices without one produce a clearly
// marked stub result. Every run is appended to the execution log, and a
// summary node is recorded in the memory graph when one is wired in.
type Engine struct {
	logger  *zap.Logger
	history *history.Store // optional
	memory  *memory.Graph  // optional

	mu        sync.RWMutex
	workflows map[string]*Definition
	executors map[string]office.Executor
	templates map[string]Template
}

// NewEngine constructs an engine. hist and mem may be nil.
func NewEngine(hist *history.Store, mem *memory.Graph, logger *zap.Logger) *Engine {
	return &Engine{
		logger:    logger,
		history:   hist,
		memory:    mem,
		workflows: make(map[string]*Definition),
		executors: make(map[string]office.Executor),
		templates: make(map[string]Template),
	}
}

// RegisterExecutor binds an office to its executor. Later registrations
// replace earlier ones.
func (e *Engine) RegisterExecutor(officeID string, exec office.Executor) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.executors[officeID] = exec
}

// CreateWorkflow defines a workflow from task specs and returns its ID.
// Dependencies must reference sibling task IDs; the graph is not assumed
// acyclic here — cycles surface as a StuckError at execution time.
func (e *Engine) CreateWorkflow(name, description string, specs []TaskSpec, mode Mode, synthesisOffice string) (string, error) {
	if mode == "" {
		mode = Sequential
	}
	tasks := make([]*Task, 0, len(specs))
	ids := make(map[string]struct{}, len(specs))
	for _, spec := range specs {
		id := spec.ID
		if id == "" {
			id = uuid.New().String()
		}
		ids[id] = struct{}{}
		input := spec.InputContext
		if input == nil {
			input = map[string]interface{}{}
		}
		tasks = append(tasks, &Task{
			ID:           id,
			Office:       spec.Office,
			Action:       spec.Action,
			InputContext: input,
			Dependencies: spec.Dependencies,
			Status:       StatusPending,
		})
	}
	for _, task := range tasks {
		for _, dep := range task.Dependencies {
			if _, ok := ids[dep]; !ok {
				return "", fmt.Errorf("%w: task %s depends on %s", ErrUnknownDependency, task.ID, dep)
			}
		}
	}

	def := &Definition{
		ID:              uuid.New().String(),
		Name:            name,
		Description:     description,
		Mode:            mode,
		Tasks:           tasks,
		SynthesisOffice: synthesisOffice,
		CreatedAt:       time.Now(),
	}
	e.mu.Lock()
	e.workflows[def.ID] = def
	e.mu.Unlock()
	return def.ID, nil
}

// ExecuteWorkflow runs the workflow in its configured mode. The returned
// error is non-nil only for unknown workflows and stuck graphs; task
// failures are reported per-task in the result, never as an error.
func (e *Engine) ExecuteWorkflow(ctx context.Context, workflowID string) (*ExecutionResult, error) {
	e.mu.RLock()
	def, ok := e.workflows[workflowID]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
	}

	e.logger.Info("Executing workflow",
		zap.String("workflow_id", workflowID),
		zap.String("name", def.Name),
		zap.String("mode", string(def.Mode)),
		zap.Int("tasks", len(def.Tasks)),
	)
	start := time.Now()

	var results []TaskResult
	var stuck *StuckError
	switch def.Mode {
	case Sequential:
		results = e.runSequential(ctx, def)
	case Parallel:
		results = e.runParallel(ctx, def)
	case Graph:
		results, stuck = e.runGraph(ctx, def)
	default:
		return nil, fmt.Errorf("workflow: unknown mode %q", def.Mode)
	}

	var final *SynthesisResult
	if def.SynthesisOffice != "" {
		final = e.synthesize(ctx, def, results)
	}

	elapsed := time.Since(start)
	succeeded, failed := 0, 0
	for _, r := range results {
		switch r.Status {
		case StatusCompleted:
			succeeded++
		case StatusFailed:
			failed++
		}
	}

	status := "completed"
	if stuck != nil {
		status = "stuck"
		stuck.WorkflowID = workflowID
	} else if failed > 0 {
		status = "partial"
	}

	result := &ExecutionResult{
		WorkflowID:    workflowID,
		ExecutionTime: elapsed.Seconds(),
		TaskResults:   results,
		FinalResult:   final,
		Status:        status,
	}
	if stuck != nil {
		result.StuckTasks = stuck.StuckTasks
	}

	metrics.WorkflowsExecuted.WithLabelValues(string(def.Mode), status).Inc()
	metrics.WorkflowDuration.WithLabelValues(string(def.Mode)).Observe(elapsed.Seconds())

	e.appendHistory(ctx, def, result, succeeded, failed)
	e.recordSummary(ctx, def, final)

	e.logger.Info("Workflow finished",
		zap.String("workflow_id", workflowID),
		zap.String("status", status),
		zap.Duration("duration", elapsed),
		zap.Int("succeeded", succeeded),
		zap.Int("failed", failed),
	)
	if stuck != nil {
		return result, stuck
	}
	return result, nil
}

// runSequential executes tasks in order, merging each completed task's
// output into the context exposed to later tasks as {office}_result. The
// first failure halts the run; remaining tasks are marked SKIPPED.
func (e *Engine) runSequential(ctx context.Context, def *Definition) []TaskResult {
	results := make([]TaskResult, 0, len(def.Tasks))
	shared := map[string]interface{}{}

	for i, task := range def.Tasks {
		for k, v := range shared {
			task.InputContext[k] = v
		}
		res := e.executeTask(ctx, task)
		results = append(results, res)

		if res.Status == StatusCompleted {
			shared[task.Office+"_result"] = res.Output
			continue
		}
		for _, remaining := range def.Tasks[i+1:] {
			remaining.markSkipped()
			results = append(results, TaskResult{
				TaskID: remaining.ID,
				Office: remaining.Office,
				Action: remaining.Action,
				Status: StatusSkipped,
			})
			metrics.TasksExecuted.WithLabelValues(remaining.Office, string(StatusSkipped)).Inc()
		}
		break
	}
	return results
}

// runParallel launches every task concurrently and waits for all of them,
// success or failure. Tasks share no context.
func (e *Engine) runParallel(ctx context.Context, def *Definition) []TaskResult {
	results := make([]TaskResult, len(def.Tasks))
	var wg sync.WaitGroup
	for i, task := range def.Tasks {
		wg.Add(1)
		go func(i int, task *Task) {
			defer wg.Done()
			results[i] = e.executeTask(ctx, task)
		}(i, task)
	}
	wg.Wait()
	return results
}

// runGraph repeatedly computes the ready set (all dependencies COMPLETED)
// and runs it concurrently. When no task is ready but tasks remain, the
// run terminates with a StuckError naming the failed root causes and the
// unreachable tasks instead of looping forever.
func (e *Engine) runGraph(ctx context.Context, def *Definition) ([]TaskResult, *StuckError) {
	byID := make(map[string]*Task, len(def.Tasks))
	for _, task := range def.Tasks {
		byID[task.ID] = task
	}
	done := make(map[string]TaskResult, len(def.Tasks))

	for len(done) < len(def.Tasks) {
		var ready []*Task
		for _, task := range def.Tasks {
			if _, finished := done[task.ID]; finished {
				continue
			}
			ok := true
			for _, dep := range task.Dependencies {
				if res, finished := done[dep]; !finished || res.Status != StatusCompleted {
					ok = false
					break
				}
			}
			if ok {
				ready = append(ready, task)
			}
		}

		if len(ready) == 0 {
			var rootCauses, stuckIDs []string
			for id, res := range done {
				if res.Status == StatusFailed {
					rootCauses = append(rootCauses, id)
				}
			}
			results := e.collectGraphResults(def, done)
			for _, task := range def.Tasks {
				if _, finished := done[task.ID]; finished {
					continue
				}
				task.markSkipped()
				stuckIDs = append(stuckIDs, task.ID)
				results = append(results, TaskResult{
					TaskID: task.ID,
					Office: task.Office,
					Action: task.Action,
					Status: StatusSkipped,
				})
				metrics.TasksExecuted.WithLabelValues(task.Office, string(StatusSkipped)).Inc()
			}
			return results, &StuckError{RootCauses: rootCauses, StuckTasks: stuckIDs}
		}

		for _, task := range ready {
			for _, dep := range task.Dependencies {
				if res := done[dep]; res.Status == StatusCompleted {
					task.InputContext[byID[dep].Office+"_result"] = res.Output
				}
			}
		}

		batch := make([]TaskResult, len(ready))
		var wg sync.WaitGroup
		for i, task := range ready {
			wg.Add(1)
			go func(i int, task *Task) {
				defer wg.Done()
				batch[i] = e.executeTask(ctx, task)
			}(i, task)
		}
		wg.Wait()
		for i, task := range ready {
			done[task.ID] = batch[i]
		}
	}
	return e.collectGraphResults(def, done), nil
}

func (e *Engine) collectGraphResults(def *Definition, done map[string]TaskResult) []TaskResult {
	results := make([]TaskResult, 0, len(done))
	for _, task := range def.Tasks {
		if res, ok := done[task.ID]; ok {
			results = append(results, res)
		}
	}
	return results
}

// executeTask runs one task via its office's executor. Executor errors
// and panics are recorded as task failure, never propagated.
func (e *Engine) executeTask(ctx context.Context, task *Task) (result TaskResult) {
	task.begin()

	e.mu.RLock()
	exec := e.executors[task.Office]
	e.mu.RUnlock()

	result = TaskResult{TaskID: task.ID, Office: task.Office, Action: task.Action}

	finish := func(status TaskStatus, output map[string]interface{}, errMsg string) {
		result.Status = status
		result.Output = output
		result.Error = errMsg
		result.ExecutionTime = task.finish(status, output, errMsg)
		metrics.TasksExecuted.WithLabelValues(task.Office, string(status)).Inc()
	}

	defer func() {
		if rec := recover(); rec != nil {
			e.logger.Error("Executor panicked",
				zap.String("office", task.Office),
				zap.String("action", task.Action),
				zap.Any("panic", rec),
			)
			finish(StatusFailed, nil, fmt.Sprintf("executor panic: %v", rec))
		}
	}()

	if exec == nil {
		finish(StatusCompleted, office.StubResult(task.Office, task.Action, task.InputContext), "")
		return result
	}

	output, err := exec.Execute(ctx, task.Action, task.InputContext)
	if err != nil {
		e.logger.Warn("Task failed",
			zap.String("office", task.Office),
			zap.String("action", task.Action),
			zap.Error(err),
		)
		finish(StatusFailed, nil, err.Error())
		return result
	}
	finish(StatusCompleted, output, "")
	return result
}

// synthesize aggregates successful outputs keyed by office plus the list
// of failed offices, and asks the synthesis office for a final result.
func (e *Engine) synthesize(ctx context.Context, def *Definition, results []TaskResult) *SynthesisResult {
	aggregated := map[string]interface{}{
		"workflow_name": def.Name,
	}
	outputs := map[string]interface{}{}
	var succeeded, failed []string
	for _, res := range results {
		switch res.Status {
		case StatusCompleted:
			outputs[res.Office] = res.Output
			succeeded = append(succeeded, res.Office)
		case StatusFailed:
			failed = append(failed, res.Office)
		}
	}
	aggregated["task_outputs"] = outputs
	aggregated["successful_tasks"] = succeeded
	aggregated["failed_tasks"] = failed

	e.mu.RLock()
	exec := e.executors[def.SynthesisOffice]
	e.mu.RUnlock()

	var synthesis map[string]interface{}
	if exec != nil {
		out, err := exec.Execute(ctx, "synthesize", aggregated)
		if err != nil {
			e.logger.Warn("Synthesis failed",
				zap.String("office", def.SynthesisOffice),
				zap.Error(err),
			)
			synthesis = map[string]interface{}{"error": err.Error()}
		} else {
			synthesis = out
		}
	} else {
		synthesis = office.StubResult(def.SynthesisOffice, "synthesize", aggregated)
	}

	return &SynthesisResult{
		SynthesisOffice: def.SynthesisOffice,
		Synthesis:       synthesis,
		TaskCount:       len(results),
		SuccessfulCount: len(succeeded),
	}
}

func (e *Engine) appendHistory(ctx context.Context, def *Definition, result *ExecutionResult, succeeded, failed int) {
	if e.history == nil {
		return
	}
	finalJSON := ""
	if result.FinalResult != nil {
		if data, err := json.Marshal(result.FinalResult); err == nil {
			finalJSON = string(data)
		}
	}
	err := e.history.Append(ctx, history.Entry{
		WorkflowID:      def.ID,
		WorkflowName:    def.Name,
		Mode:            string(def.Mode),
		DurationSeconds: result.ExecutionTime,
		TaskCount:       len(def.Tasks),
		SuccessfulTasks: succeeded,
		FailedTasks:     failed,
		FinalResult:     finalJSON,
	})
	if err != nil {
		e.logger.Warn("Execution log append failed",
			zap.String("workflow_id", def.ID),
			zap.Error(err),
		)
	}
}

// recordSummary writes a tagged, TTL-bounded summary node after a
// synthesized run when a memory graph is wired in.
func (e *Engine) recordSummary(ctx context.Context, def *Definition, final *SynthesisResult) {
	if e.memory == nil || final == nil {
		return
	}
	content := fmt.Sprintf("Workflow '%s' result: %v", def.Name, final.Synthesis)
	tags := []string{"workflow", def.Name}
	for _, task := range def.Tasks {
		tags = append(tags, task.Office)
	}
	_, err := e.memory.CreateMemory(ctx, "system",
		"Workflow summary: "+def.Name,
		content,
		memory.TypeExperience,
		memory.ConsentShared,
		summaryTTL,
		tags,
		map[string]interface{}{"workflow_id": def.ID},
	)
	if err != nil {
		e.logger.Warn("Workflow summary node failed",
			zap.String("workflow_id", def.ID),
			zap.Error(err),
		)
	}
}

// GetWorkflowStatus reports every task's current state; task failures
// remain visible here, never silently dropped.
func (e *Engine) GetWorkflowStatus(workflowID string) (*StatusReport, error) {
	e.mu.RLock()
	def, ok := e.workflows[workflowID]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
	}
	report := &StatusReport{
		WorkflowID: def.ID,
		Name:       def.Name,
		Mode:       def.Mode,
		Tasks:      make(map[string]TaskStatusView, len(def.Tasks)),
	}
	for _, task := range def.Tasks {
		report.Tasks[task.ID] = task.snapshot()
	}
	return report, nil
}

// Stats summarizes engine state: defined workflows, registered executors,
// and the most recent executions from the durable log.
type Stats struct {
	TotalWorkflows      int             `json:"total_workflows"`
	TotalExecutions     int             `json:"total_executions"`
	RegisteredExecutors []string        `json:"registered_executors"`
	RegisteredTemplates []string        `json:"registered_templates,omitempty"`
	RecentExecutions    []history.Entry `json:"recent_executions,omitempty"`
}

func (e *Engine) GetStats(ctx context.Context) (*Stats, error) {
	e.mu.RLock()
	stats := &Stats{TotalWorkflows: len(e.workflows)}
	for officeID := range e.executors {
		stats.RegisteredExecutors = append(stats.RegisteredExecutors, officeID)
	}
	for name := range e.templates {
		stats.RegisteredTemplates = append(stats.RegisteredTemplates, name)
	}
	e.mu.RUnlock()

	if e.history != nil {
		count, err := e.history.Count(ctx)
		if err != nil {
			return nil, err
		}
		stats.TotalExecutions = count
		recent, err := e.history.Recent(ctx, 5)
		if err != nil {
			return nil, err
		}
		stats.RecentExecutions = recent
	}
	return stats, nil
}
