// Package workflow implements the Task/Workflow Engine (§4.7): workflow
// document parsing, dependency validation, variable substitution,
// maxConcurrency-bounded dispatch driven off the Registry's scoring
// primitive, retries, failure policies, and cancellation/timeout.
package workflow

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/fenwick-ops/conductor/internal/cerrors"
	"github.com/fenwick-ops/conductor/internal/model"
)

// AgentDoc declares a participant agent id a task's assignTo may reference
// (§6: "agents[] with {id (unique), type (required), name, config}").
type AgentDoc struct {
	ID     string                 `yaml:"id" json:"id"`
	Type   string                 `yaml:"type" json:"type"`
	Name   string                 `yaml:"name,omitempty" json:"name,omitempty"`
	Config map[string]interface{} `yaml:"config,omitempty" json:"config,omitempty"`
}

// TaskDoc is one entry of the document's tasks[] list (§6).
type TaskDoc struct {
	ID           string                 `yaml:"id" json:"id"`
	Type         string                 `yaml:"type" json:"type"`
	Description  string                 `yaml:"description" json:"description"`
	AssignTo     string                 `yaml:"assignTo,omitempty" json:"assignTo,omitempty"`
	Capabilities []string               `yaml:"capabilities,omitempty" json:"capabilities,omitempty"`
	Depends      []string               `yaml:"depends,omitempty" json:"depends,omitempty"`
	Input        map[string]interface{} `yaml:"input,omitempty" json:"input,omitempty"`
	Priority     int                    `yaml:"priority,omitempty" json:"priority,omitempty"`
	TimeoutMs    int64                  `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Retries      int                    `yaml:"retries,omitempty" json:"retries,omitempty"`
	// Condition is carried through but not evaluated: the spec lists the
	// field in the document format without ever defining an evaluation
	// language for it, so every task is scheduled as if its condition held.
	Condition string `yaml:"condition,omitempty" json:"condition,omitempty"`
}

// SettingsDoc is the document's settings block (§6).
type SettingsDoc struct {
	MaxConcurrency int    `yaml:"maxConcurrency,omitempty" json:"maxConcurrency,omitempty"`
	TimeoutMs      int64  `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	RetryPolicy    string `yaml:"retryPolicy,omitempty" json:"retryPolicy,omitempty"`
	FailurePolicy  string `yaml:"failurePolicy,omitempty" json:"failurePolicy,omitempty"`
}

// Document is the workflow document input format (§6).
type Document struct {
	Name        string                 `yaml:"name" json:"name"`
	Version     string                 `yaml:"version,omitempty" json:"version,omitempty"`
	Description string                 `yaml:"description,omitempty" json:"description,omitempty"`
	Variables   map[string]interface{} `yaml:"variables,omitempty" json:"variables,omitempty"`
	Agents      []AgentDoc             `yaml:"agents,omitempty" json:"agents,omitempty"`
	Tasks       []TaskDoc              `yaml:"tasks" json:"tasks"`
	Settings    SettingsDoc            `yaml:"settings,omitempty" json:"settings,omitempty"`
}

// ParseDocument decodes a workflow document, sniffing JSON from YAML by its
// leading non-space byte (§6: "the engine accepts at least one structured
// textual format"; this implementation accepts two).
func ParseDocument(data []byte) (*Document, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, errors.New("empty workflow document")
	}

	var doc Document
	if trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, &doc); err != nil {
			return nil, fmt.Errorf("decode workflow document as json: %w", err)
		}
		return &doc, nil
	}
	if err := yaml.Unmarshal(trimmed, &doc); err != nil {
		return nil, fmt.Errorf("decode workflow document as yaml: %w", err)
	}
	return &doc, nil
}

// ValidateDocument runs the document-shaped checks that need the agents[]
// manifest (§4.7 rule 1's required-field check, rule 3's assignTo check)
// before ToWorkflow discards the manifest.
func ValidateDocument(doc *Document) error {
	const op = "workflow.ValidateDocument"

	if strings.TrimSpace(doc.Name) == "" {
		return cerrors.E(op, cerrors.InvalidArgument, errors.New("workflow name is required"))
	}
	if len(doc.Tasks) == 0 {
		return cerrors.E(op, cerrors.InvalidArgument, errors.New("workflow must declare at least one task"))
	}

	declared := make(map[string]bool, len(doc.Agents))
	for _, a := range doc.Agents {
		if a.ID == "" {
			return cerrors.E(op, cerrors.InvalidArgument, errors.New("declared agent id is required"))
		}
		declared[a.ID] = true
	}

	for _, t := range doc.Tasks {
		if t.ID == "" || t.Type == "" || t.Description == "" {
			return cerrors.E(op, cerrors.InvalidArgument, fmt.Errorf("task %q missing id/type/description", t.ID))
		}
		if t.AssignTo != "" && len(declared) > 0 && !declared[t.AssignTo] {
			return cerrors.E(op, cerrors.InvalidArgument, fmt.Errorf("task %s assignTo references undeclared agent %s", t.ID, t.AssignTo))
		}
	}
	return nil
}

// ToWorkflow converts a parsed, document-validated document into a fresh
// Workflow record, applying settings defaults and stamping each task's
// listIndex/retriesLeft. Structural validation (duplicate ids, dependency
// cycles) is Validate's job, run against the result.
func ToWorkflow(doc *Document) *model.Workflow {
	w := &model.Workflow{
		ID:        uuid.NewString(),
		Name:      doc.Name,
		Variables: doc.Variables,
		Status:    model.WorkflowPending,
	}
	for _, a := range doc.Agents {
		w.DeclaredAgents = append(w.DeclaredAgents, a.ID)
	}

	retryPolicy := model.RetryPolicy(doc.Settings.RetryPolicy)
	if retryPolicy == "" {
		retryPolicy = model.RetryNone
	}
	failurePolicy := model.FailurePolicy(doc.Settings.FailurePolicy)
	if failurePolicy == "" {
		failurePolicy = model.FailFast
	}
	maxConcurrency := doc.Settings.MaxConcurrency
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}

	w.Settings = model.WorkflowSettings{
		MaxConcurrency: maxConcurrency,
		TimeoutMs:      doc.Settings.TimeoutMs,
		RetryPolicy:    retryPolicy,
		FailurePolicy:  failurePolicy,
	}

	for i, td := range doc.Tasks {
		caps := td.Capabilities
		if len(caps) == 0 && td.Type != "" {
			caps = []string{td.Type}
		}
		w.Tasks = append(w.Tasks, model.Task{
			ID:           td.ID,
			Name:         td.Description,
			DependsOn:    td.Depends,
			Capabilities: caps,
			AssignTo:     td.AssignTo,
			Priority:     td.Priority,
			ListIndex:    i,
			Input:        td.Input,
			RetryPolicy:  retryPolicy,
			MaxRetries:   td.Retries,
			RetriesLeft:  td.Retries,
			TimeoutMs:    td.TimeoutMs,
			Status:       model.TaskPending,
		})
	}
	w.RecomputeProgress()
	return w
}
