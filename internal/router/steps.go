package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/unitylab/unity-coordinator/internal/broker"
	"github.com/unitylab/unity-coordinator/internal/protocol"
)

// ErrWorkflowNotFound is returned when a step chain is missing or its TTL
// elapsed.
var ErrWorkflowNotFound = errors.New("router: workflow not found")

// stepChainTTL bounds how long an in-flight step chain survives in the
// broker between advances.
const stepChainTTL = time.Hour

// Step is one hop in a router-driven step chain: a lightweight workflow
// advanced office by office via WORKFLOW messages, independent of the
// workflow engine.
type Step struct {
	Office      string                 `json:"office"`
	Action      string                 `json:"action,omitempty"`
	Params      map[string]interface{} `json:"params,omitempty"`
	Result      map[string]interface{} `json:"result,omitempty"`
	CompletedAt float64                `json:"completed_at,omitempty"`
}

// StepChain is the broker-persisted state of a router workflow.
type StepChain struct {
	WorkflowID  string  `json:"workflow_id"`
	Steps       []Step  `json:"steps"`
	CurrentStep int     `json:"current_step"`
	Status      string  `json:"status"`
	CompletedAt float64 `json:"completed_at,omitempty"`
}

// CreateWorkflow stores a new step chain under a TTL'd broker key and
// dispatches a WORKFLOW message to the first office.
func (r *Router) CreateWorkflow(ctx context.Context, workflowID string, steps []Step, initiatingOffice string) error {
	if len(steps) == 0 {
		return fmt.Errorf("router: workflow %s has no steps", workflowID)
	}
	chain := StepChain{
		WorkflowID:  workflowID,
		Steps:       steps,
		CurrentStep: 0,
		Status:      "initiated",
	}
	if err := r.saveChain(ctx, &chain); err != nil {
		return err
	}

	if len(steps) > 0 && steps[0].Office != "" {
		msg := protocol.NewMessage(protocol.TypeWorkflow, initiatingOffice, steps[0].Office, chainPayload(&chain))
		msg.Priority = protocol.PriorityHigh
		if _, err := r.SendMessage(ctx, msg, false, 0); err != nil {
			return err
		}
	}
	return nil
}

// AdvanceWorkflow records the current step's result and either dispatches
// the next step's office or marks the chain complete and broadcasts it.
func (r *Router) AdvanceWorkflow(ctx context.Context, workflowID string, stepResult map[string]interface{}) error {
	chain, err := r.loadChain(ctx, workflowID)
	if err != nil {
		return err
	}
	if chain.CurrentStep >= len(chain.Steps) {
		return fmt.Errorf("router: workflow %s has no step to advance", workflowID)
	}

	now := float64(time.Now().UnixNano()) / float64(time.Second)
	chain.Steps[chain.CurrentStep].Result = stepResult
	chain.Steps[chain.CurrentStep].CompletedAt = now

	next := chain.CurrentStep + 1
	if next < len(chain.Steps) {
		chain.CurrentStep = next
		chain.Status = "in_progress"
		if err := r.saveChain(ctx, chain); err != nil {
			return err
		}
		target := chain.Steps[next].Office
		if target != "" {
			msg := protocol.NewMessage(protocol.TypeWorkflow, "workflow_engine", target, chainPayload(chain))
			msg.Priority = protocol.PriorityHigh
			if _, err := r.SendMessage(ctx, msg, false, 0); err != nil {
				return err
			}
		}
		return nil
	}

	chain.Status = "completed"
	chain.CompletedAt = now
	if err := r.saveChain(ctx, chain); err != nil {
		return err
	}
	results := make([]map[string]interface{}, len(chain.Steps))
	for i, s := range chain.Steps {
		results[i] = s.Result
	}
	return r.BroadcastNotification(ctx, "workflow_engine", "workflow_completed", map[string]interface{}{
		"workflow_id": workflowID,
		"results":     results,
	}, protocol.PriorityNormal)
}

// WorkflowState returns the current step chain for inspection.
func (r *Router) WorkflowState(ctx context.Context, workflowID string) (*StepChain, error) {
	return r.loadChain(ctx, workflowID)
}

func (r *Router) saveChain(ctx context.Context, chain *StepChain) error {
	data, err := json.Marshal(chain)
	if err != nil {
		return fmt.Errorf("marshal step chain: %w", err)
	}
	return r.broker.Set(ctx, r.workflowKey(chain.WorkflowID), data, stepChainTTL)
}

func (r *Router) loadChain(ctx context.Context, workflowID string) (*StepChain, error) {
	data, err := r.broker.Get(ctx, r.workflowKey(workflowID))
	if errors.Is(err, broker.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
	}
	if err != nil {
		return nil, err
	}
	var chain StepChain
	if err := json.Unmarshal(data, &chain); err != nil {
		return nil, fmt.Errorf("decode step chain: %w", err)
	}
	return &chain, nil
}

func chainPayload(chain *StepChain) map[string]interface{} {
	steps := make([]interface{}, len(chain.Steps))
	for i, s := range chain.Steps {
		steps[i] = map[string]interface{}{
			"office": s.Office,
			"action": s.Action,
			"params": s.Params,
		}
	}
	return map[string]interface{}{
		"workflow_id":  chain.WorkflowID,
		"steps":        steps,
		"current_step": chain.CurrentStep,
		"status":       chain.Status,
	}
}
