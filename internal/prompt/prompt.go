// Package prompt renders dataset records into the fixed three-section
// training template. The roles are swapped on purpose: the model learns to
// produce an instruction from a response.
package prompt

import (
	"strings"

	"instructune/internal/dataset"
)

const (
	InstructionHeader = "### Instruction:"
	InputHeader       = "### Input:"
	ResponseHeader    = "### Response:"

	// Task is the fixed instruction text of every sample.
	Task = "Use the Input below to create an instruction, which could have been used to generate the input using an LLM."
)

// Format returns the training text for r: the record's response under the
// Input header and its instruction under the Response header.
func Format(r dataset.Record) string {
	return FormatPrompt(r) + r.Instruction + "\n"
}

// FormatPrompt returns the inference prompt for r, ending right after the
// Response header so the model continues with the instruction.
func FormatPrompt(r dataset.Record) string {
	var b strings.Builder
	b.Grow(len(Task) + len(r.Response) + 64)
	b.WriteString(InstructionHeader)
	b.WriteString("\n")
	b.WriteString(Task)
	b.WriteString("\n\n")
	b.WriteString(InputHeader)
	b.WriteString("\n")
	b.WriteString(r.Response)
	b.WriteString("\n\n")
	b.WriteString(ResponseHeader)
	b.WriteString("\n")
	return b.String()
}

// ExtractResponse returns the text after the last Response header, trimmed.
// Text without a header is returned trimmed as is.
func ExtractResponse(generated string) string {
	if i := strings.LastIndex(generated, ResponseHeader); i >= 0 {
		generated = generated[i+len(ResponseHeader):]
	}
	return strings.TrimSpace(generated)
}

// FormatAll maps Format over records, preserving order.
func FormatAll(records []dataset.Record) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = Format(r)
	}
	return out
}
