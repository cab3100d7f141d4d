// Package tools is the agent's tool surface: declarative definitions with
// typed input schemas, a registry with the chat-mode binding table, the
// short-process builtins, and the long-process submit tools that hand work
// to department workers over HTTP.
package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"

	"github.com/treufabrik/dirigent/pkg/llm"
	"github.com/treufabrik/dirigent/pkg/models"
)

// Kind separates tools the handler finishes inline from tools that submit
// to a worker and pause the workflow.
type Kind string

const (
	KindSPT Kind = "spt"
	KindLPT Kind = "lpt"
)

// Invocation is one tool call in flight: the model's arguments plus the
// thread context the handler runs in.
type Invocation struct {
	CallID    string
	Name      string
	Args      json.RawMessage
	User      *models.UserContext
	ThreadKey string
	// Execution is non-nil while the thread drives a task execution.
	Execution *models.ExecutionRef
}

// Result is what a handler returns. Content is fed back to the model as the
// tool result; IsError marks it as a failure the model should react to.
type Result struct {
	Content string
	IsError bool

	// LPTID and Department are set when the handler submitted a
	// long-process task; the executor pauses the workflow until the
	// worker's callback.
	LPTID      string
	Department string

	// Terminated is set by TERMINATE_TASK; Summary carries the closing
	// summary the finalizer writes into the execution report.
	Terminated bool
	Summary    string
}

// Handler executes one tool call.
type Handler func(ctx context.Context, inv *Invocation) (*Result, error)

// Definition declares a tool: its wire name, what the model reads about it,
// the JSON schema of its input, and the handler that runs it.
type Definition struct {
	Name        string
	Description string
	Kind        Kind
	InputSchema string
	Handler     Handler
}

// AsLLMTools converts definitions to the provider tool declarations.
func AsLLMTools(defs []*Definition) []llm.ToolDefinition {
	out := make([]llm.ToolDefinition, 0, len(defs))
	for _, d := range defs {
		out = append(out, llm.ToolDefinition{
			Name:             d.Name,
			Description:      d.Description,
			ParametersSchema: d.InputSchema,
		})
	}
	return out
}

// mustSchema renders the JSON schema for a tool input struct. Input types
// are declared at compile time, so a reflection failure is a programming
// error and panics at startup rather than mid-turn.
func mustSchema[T any]() string {
	reflector := &jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
	}
	schema := reflector.Reflect(new(T))

	raw, err := json.Marshal(schema)
	if err != nil {
		panic(fmt.Sprintf("tools: marshal schema for %T: %v", *new(T), err))
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		panic(fmt.Sprintf("tools: decode schema for %T: %v", *new(T), err))
	}
	// The provider wants a bare object schema, not a standalone document.
	delete(m, "$schema")
	delete(m, "$id")

	out, err := json.Marshal(m)
	if err != nil {
		panic(fmt.Sprintf("tools: re-encode schema for %T: %v", *new(T), err))
	}
	return string(out)
}

// decodeArgs parses the model's arguments into the tool's input struct.
// A decode failure is the model's fault and is reported back to it as an
// error result rather than failing the turn.
func decodeArgs[T any](raw json.RawMessage) (*T, error) {
	args := new(T)
	if len(raw) == 0 {
		return args, nil
	}
	if err := json.Unmarshal(raw, args); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	return args, nil
}

// errorResult wraps a handler-level failure into a result the model sees.
func errorResult(format string, a ...any) *Result {
	return &Result{Content: fmt.Sprintf(format, a...), IsError: true}
}

// jsonResult marshals a payload as the tool result content.
func jsonResult(v any) (*Result, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode tool result: %w", err)
	}
	return &Result{Content: string(raw)}, nil
}
