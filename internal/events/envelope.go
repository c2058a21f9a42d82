// Package events defines the canonical outbound event envelope and the
// closed set of event types agents may emit.
package events

import (
	"fmt"
	"time"
)

// Type is the closed set of event kinds the bridge may emit. Replacing
// runtime type-switching on envelope content with a tagged variant is
// deliberate: the builder in this file is the only place that knows
// each variant's required fields.
type Type string

const (
	AgentStarted    Type = "agent_started"
	AgentThinking   Type = "agent_thinking"
	ToolExecuting   Type = "tool_executing"
	ToolCompleted   Type = "tool_completed"
	AgentCompleted  Type = "agent_completed"
	ProgressUpdate  Type = "progress_update"
	Error           Type = "error"
	ConnectionStatus Type = "connection_status"
)

// criticalTypes is the golden set whose reliable delivery defines
// product value (GLOSSARY: "Critical event").
var criticalTypes = map[Type]bool{
	AgentStarted:   true,
	AgentThinking:  true,
	ToolExecuting:  true,
	ToolCompleted:  true,
	AgentCompleted: true,
}

// IsCritical reports whether t is one of the five golden-set event
// types.
func IsCritical(t Type) bool {
	return criticalTypes[t]
}

// Envelope is the JSON object actually sent to a connection. All
// business fields MUST appear at the envelope root; wrapping them
// under a "data" or "payload" key is a forbidden regression.
type Envelope map[string]any

// New builds an envelope for eventType from business, after verifying
// that every required field for eventType is present. The resulting
// envelope has business's fields hoisted to the root alongside
// "type", "timestamp", and "critical".
func New(eventType Type, runID, threadID, userID string, business map[string]any) (Envelope, error) {
	if err := validateRequiredFields(eventType, business); err != nil {
		return nil, err
	}

	env := make(Envelope, len(business)+6)
	for k, v := range business {
		env[k] = v
	}
	env["type"] = string(eventType)
	env["timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)
	env["critical"] = IsCritical(eventType)
	if runID != "" {
		env["runId"] = runID
	}
	if threadID != "" {
		env["threadId"] = threadID
	}
	if userID != "" {
		env["userId"] = userID
	}
	return env, nil
}

// requiredFields lists, per event type, the business field names of
// which at least one alternative must be present. Each inner slice is
// an "any of" group.
var requiredFields = map[Type][][]string{
	AgentStarted:   {{"user_id"}, {"thread_id"}, {"agent_name"}},
	AgentThinking:  {{"reasoning"}, {"agent_name"}},
	ToolExecuting:  {{"tool_name"}, {"tool_args", "parameters"}, {"execution_id"}},
	ToolCompleted:  {{"tool_name"}, {"results", "result"}, {"execution_time", "duration"}},
	AgentCompleted: {{"status"}, {"final_response"}},
	ProgressUpdate: {{"progress"}},
	Error:          {{"error_code"}, {"message"}},
}

func validateRequiredFields(eventType Type, business map[string]any) error {
	groups, ok := requiredFields[eventType]
	if !ok {
		return fmt.Errorf("events: unknown event type %q", eventType)
	}
	for _, group := range groups {
		if !anyPresent(business, group) {
			return fmt.Errorf("events: %s envelope missing required field (any of %v)", eventType, group)
		}
	}
	return nil
}

func anyPresent(business map[string]any, names []string) bool {
	for _, name := range names {
		if _, ok := business[name]; ok {
			return true
		}
	}
	return false
}
