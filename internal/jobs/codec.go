package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"codecompass/internal/errs"
)

// EncodeJob validates and marshals a job envelope.
func EncodeJob(job Job) ([]byte, error) {
	if err := Validate(job); err != nil {
		return nil, err
	}
	return json.Marshal(job)
}

// DecodeJob unmarshals and validates a job envelope. The command is not
// checked here so an unknown command can still be answered on the job's
// result channel.
func DecodeJob(data []byte) (Job, error) {
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return Job{}, fmt.Errorf("%w: malformed job envelope: %v", errs.ErrInvalidInput, err)
	}
	if err := Validate(job); err != nil {
		return job, err
	}
	return job, nil
}

// NewResult builds a result envelope stamped with the current time.
func NewResult(jobID string, typ ResultType, payload any) (Result, error) {
	var data json.RawMessage
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Result{}, fmt.Errorf("failed to marshal %s payload: %w", typ, err)
		}
		data = raw
	}
	return Result{
		JobID:     jobID,
		Type:      typ,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}, nil
}

// NewErrorResult builds an error result carrying the user-facing message for err.
func NewErrorResult(jobID string, err error) Result {
	raw, _ := json.Marshal(ErrorPayload{Message: errs.Message(err)})
	return Result{
		JobID:     jobID,
		Type:      ResultError,
		Data:      raw,
		Timestamp: time.Now().UnixMilli(),
	}
}

// EncodeResult marshals a result envelope.
func EncodeResult(r Result) ([]byte, error) {
	if err := Validate(r); err != nil {
		return nil, err
	}
	return json.Marshal(r)
}

// DecodeResult unmarshals and validates a result envelope.
func DecodeResult(data []byte) (Result, error) {
	var r Result
	if err := json.Unmarshal(data, &r); err != nil {
		return Result{}, fmt.Errorf("%w: malformed result envelope: %v", errs.ErrInvalidInput, err)
	}
	if err := Validate(r); err != nil {
		return Result{}, err
	}
	return r, nil
}

// ToClientMessage translates a worker result into the message a client sees.
func ToClientMessage(r Result) ClientMessage {
	msg := ClientMessage{JobID: r.JobID, Data: r.Data}
	switch r.Type {
	case ResultStream:
		msg.Type = ClientStream
	case ResultComplete:
		msg.Type = ClientResponse
	default:
		msg.Type = ClientError
	}
	return msg
}

// ClientErrorMessage builds an error message for a client, independent of any worker result.
func ClientErrorMessage(jobID string, err error) ClientMessage {
	raw, _ := json.Marshal(ErrorPayload{Message: errs.Message(err)})
	return ClientMessage{Type: ClientError, JobID: jobID, Data: raw}
}
