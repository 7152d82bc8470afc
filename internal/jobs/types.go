// Package jobs defines the messages carried between the gateway, the broker and the worker.
package jobs

import (
	"encoding/json"
	"time"
)

// Command identifies the handler a job is dispatched to.
type Command string

const (
	CommandIndex        Command = "index"
	CommandPlan         Command = "plan"
	CommandAnalyzeError Command = "analyze-error"
)

// ResultType is the kind of a Result published on a job's result channel.
type ResultType string

const (
	ResultStream   ResultType = "stream"
	ResultComplete ResultType = "complete"
	ResultError    ResultType = "error"
)

// Terminal reports whether no further results follow this one.
func (t ResultType) Terminal() bool {
	return t == ResultComplete || t == ResultError
}

// ClientMessageType is the type of a message sent from the gateway to a client.
type ClientMessageType string

const (
	ClientStream   ClientMessageType = "stream"
	ClientResponse ClientMessageType = "response"
	ClientError    ClientMessageType = "error"
)

// Job is the envelope published to PendingChannel.
type Job struct {
	JobID        string          `json:"jobId" validate:"required"`
	ConnectionID string          `json:"connectionId" validate:"required"`
	OwnerID      string          `json:"ownerId" validate:"required"`
	ProjectID    string          `json:"projectId" validate:"required"`
	Command      Command         `json:"command" validate:"required"`
	Data         json.RawMessage `json:"data,omitempty"`
}

// Result is the envelope published to ResultChannel(jobID).
type Result struct {
	JobID     string          `json:"jobId" validate:"required"`
	Type      ResultType      `json:"type" validate:"required,oneof=stream complete error"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// EmittedAt returns the result timestamp as a time.Time.
func (r Result) EmittedAt() time.Time {
	return time.UnixMilli(r.Timestamp)
}

// ClientRequest is what a client sends to the gateway to start a job.
type ClientRequest struct {
	Command   Command         `json:"command" validate:"required"`
	ProjectID string          `json:"projectId" validate:"required"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ClientMessage is what the gateway sends back to a client.
type ClientMessage struct {
	Type  ClientMessageType `json:"type"`
	JobID string            `json:"jobId,omitempty"`
	Data  json.RawMessage   `json:"data,omitempty"`
}

// Progress is the body of an index stream result.
type Progress struct {
	Current    int    `json:"current"`
	Total      int    `json:"total"`
	Message    string `json:"message"`
	Percentage int    `json:"percentage"`
}

// ProgressPayload wraps Progress as sent on the wire.
type ProgressPayload struct {
	Progress Progress `json:"progress"`
}

// TextChunkPayload carries one incremental fragment of generated text.
type TextChunkPayload struct {
	Chunk string `json:"chunk"`
}

// IndexStats summarizes a project's index after an index job.
type IndexStats struct {
	TotalChunks int            `json:"totalChunks"`
	TotalSize   int            `json:"totalSize"`
	ChunkTypes  map[string]int `json:"chunkTypes"`
}

// IndexCompletePayload is the body of the complete result of an index job.
type IndexCompletePayload struct {
	Message string     `json:"message"`
	Stats   IndexStats `json:"stats"`
}

// DonePayload is the completion marker for plan and analyze-error jobs.
type DonePayload struct {
	Done bool `json:"done"`
}

// ErrorPayload is the body of an error result or client error message.
type ErrorPayload struct {
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}
