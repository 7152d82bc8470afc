// Package rag retrieves code context for plan and error-analysis jobs and
// builds the prompts sent to the generation service.
package rag

import "codecompass/internal/vectorstore"

const (
	// PlanTopK is the number of chunks retrieved for a plan request.
	PlanTopK = 15
	// ErrorTopK is the number of chunks retrieved for an error analysis.
	ErrorTopK = 10
	// maxTopK bounds a caller-supplied topK.
	maxTopK = 50
)

// RetrievedChunk is a chunk selected as generation context.
type RetrievedChunk struct {
	// Chunk is the stored chunk, without its embedding.
	Chunk vectorstore.Chunk
	// ScoreVector is the cosine similarity to the query.
	ScoreVector float64
	// ScoreLexical is the keyword overlap bonus.
	ScoreLexical float64
	// ScoreFinal orders the context.
	ScoreFinal float64
	// Rank is 1-based.
	Rank int
}

// Frame is one location of a stack trace.
type Frame struct {
	File     string
	Line     int
	Function string
}

// ErrorSignature is the structured form of a pasted error or stack trace.
type ErrorSignature struct {
	Type    string
	Message string
	Frames  []Frame
}
