package jobs

import (
	"encoding/json"
	"fmt"

	"codecompass/internal/errs"
)

// Payload is the command-specific body of a Job. Exactly one concrete type
// exists per Command.
type Payload interface {
	Command() Command
}

// SourceFile is a file shipped inline with an index request.
type SourceFile struct {
	Path    string `json:"path" validate:"required"`
	Content string `json:"content"`
}

// IndexPayload asks the worker to rebuild a project's index. Files takes
// precedence; otherwise RootPath is resolved under the worker's index root
// and walked there.
type IndexPayload struct {
	RootPath string       `json:"rootPath,omitempty" validate:"required_without=Files"`
	Files    []SourceFile `json:"files,omitempty" validate:"required_without=RootPath,dive"`
}

func (IndexPayload) Command() Command { return CommandIndex }

// PlanPayload asks for an implementation plan for Query.
type PlanPayload struct {
	Query string `json:"query" validate:"required"`
	TopK  int    `json:"topK,omitempty" validate:"gte=0,lte=100"`
}

func (PlanPayload) Command() Command { return CommandPlan }

// AnalyzeErrorPayload asks for an analysis of an error message or stack trace.
type AnalyzeErrorPayload struct {
	Error   string `json:"error" validate:"required"`
	Context string `json:"context,omitempty"`
	TopK    int    `json:"topK,omitempty" validate:"gte=0,lte=100"`
}

func (AnalyzeErrorPayload) Command() Command { return CommandAnalyzeError }

// DecodePayload decodes raw into the payload type for cmd and validates it.
func DecodePayload(cmd Command, raw json.RawMessage) (Payload, error) {
	var p Payload
	switch cmd {
	case CommandIndex:
		var v IndexPayload
		if err := unmarshal(raw, &v); err != nil {
			return nil, err
		}
		p = v
	case CommandPlan:
		var v PlanPayload
		if err := unmarshal(raw, &v); err != nil {
			return nil, err
		}
		p = v
	case CommandAnalyzeError:
		var v AnalyzeErrorPayload
		if err := unmarshal(raw, &v); err != nil {
			return nil, err
		}
		p = v
	default:
		return nil, fmt.Errorf("%w: %q", errs.ErrUnknownCommand, cmd)
	}
	if err := Validate(p); err != nil {
		return nil, err
	}
	return p, nil
}

func unmarshal(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: malformed payload: %v", errs.ErrInvalidInput, err)
	}
	return nil
}
