package rag

import (
	"fmt"
	"strings"

	"codecompass/internal/llm"
)

const (
	planSystemPrompt = "You are a senior software engineer helping a developer change an existing codebase. " +
		"Using the code context below, write a concrete implementation plan: the files and functions to touch, " +
		"the order of the changes, and the risks to check. Refer to code by file path and name. " +
		"If the context does not cover part of the request, say what is missing instead of guessing."

	errorSystemPrompt = "You are a senior software engineer debugging a failure. " +
		"Using the error details and the code context below, explain the most likely root cause, " +
		"point to the responsible code by file path and name, and propose a fix. " +
		"If the context is insufficient, list what else should be inspected."

	noContextNote = "(No indexed code matched this request. The project may not be indexed yet.)"
)

// FormatContext renders retrieved chunks as a context block.
func FormatContext(chunks []RetrievedChunk) string {
	var b strings.Builder
	b.WriteString("--- Context from codebase ---\n\n")
	if len(chunks) == 0 {
		b.WriteString(noContextNote)
		b.WriteString("\n\n")
	}
	for _, c := range chunks {
		fmt.Fprintf(&b, "[%d] File: %s\n", c.Rank, c.Chunk.SourcePath)
		if c.Chunk.Name != "" {
			fmt.Fprintf(&b, "%s: %s\n", c.Chunk.Kind, c.Chunk.Name)
		}
		fmt.Fprintf(&b, "```\n%s\n```\n\n", strings.TrimRight(c.Chunk.Content, "\n"))
	}
	b.WriteString("--- End Context ---")
	return b.String()
}

// PlanPrompt builds the generation request for a plan job.
func PlanPrompt(query string, chunks []RetrievedChunk) llm.Prompt {
	user := fmt.Sprintf("Request:\n%s\n\n%s", query, FormatContext(chunks))
	return llm.UserPrompt(planSystemPrompt, user)
}

// ErrorPrompt builds the generation request for an analyze-error job.
// extra is optional caller-supplied context.
func ErrorPrompt(raw string, sig ErrorSignature, extra string, chunks []RetrievedChunk) llm.Prompt {
	var b strings.Builder
	b.WriteString("Error output:\n```\n")
	b.WriteString(strings.TrimRight(raw, "\n"))
	b.WriteString("\n```\n\n")

	if sig.Type != "" {
		fmt.Fprintf(&b, "Error type: %s\n", sig.Type)
	}
	if sig.Message != "" {
		fmt.Fprintf(&b, "Message: %s\n", sig.Message)
	}
	if len(sig.Frames) > 0 {
		b.WriteString("Stack frames:\n")
		for _, f := range sig.Frames {
			fmt.Fprintf(&b, "  %s\n", f)
		}
	}
	if extra != "" {
		fmt.Fprintf(&b, "\nAdditional context:\n%s\n", extra)
	}
	b.WriteString("\n")
	b.WriteString(FormatContext(chunks))

	return llm.UserPrompt(errorSystemPrompt, b.String())
}
