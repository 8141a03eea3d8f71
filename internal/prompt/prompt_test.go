package prompt

import (
	"strings"
	"testing"

	"instructune/internal/dataset"
)

func TestFormatExample(t *testing.T) {
	got := Format(dataset.Record{Instruction: "What color is the sky?", Response: "Blue."})
	want := "### Input:\nBlue.\n\n### Response:\nWhat color is the sky?\n"
	if !strings.HasSuffix(got, want) {
		t.Fatalf("got %q, want suffix %q", got, want)
	}
	if !strings.HasPrefix(got, "### Instruction:\n"+Task+"\n\n") {
		t.Fatalf("unexpected prefix: %q", got)
	}
}

func TestFormatHeadersOnceInOrder(t *testing.T) {
	recs := []dataset.Record{
		{Instruction: "Explain tides", Response: "The moon pulls water.", Context: "ignored", Category: "open_qa"},
		{Instruction: "x", Response: "multi\nline\nresponse"},
	}
	for _, r := range recs {
		s := Format(r)
		for _, h := range []string{InstructionHeader, InputHeader, ResponseHeader} {
			if n := strings.Count(s, h); n != 1 {
				t.Fatalf("header %q appears %d times in %q", h, n, s)
			}
		}
		i, in, resp := strings.Index(s, InstructionHeader), strings.Index(s, InputHeader), strings.Index(s, ResponseHeader)
		if !(i < in && in < resp) {
			t.Fatalf("headers out of order: %d %d %d", i, in, resp)
		}
		input := s[in+len(InputHeader)+1 : resp-2]
		if input != r.Response {
			t.Fatalf("input section %q != response %q", input, r.Response)
		}
		response := s[resp+len(ResponseHeader)+1 : len(s)-1]
		if response != r.Instruction {
			t.Fatalf("response section %q != instruction %q", response, r.Instruction)
		}
	}
}

func TestFormatEmptyFieldsAndPurity(t *testing.T) {
	r := dataset.Record{}
	a, b := Format(r), Format(r)
	if a != b {
		t.Fatalf("format not deterministic")
	}
	if !strings.HasSuffix(a, "### Input:\n\n\n### Response:\n\n") {
		t.Fatalf("degenerate output malformed: %q", a)
	}
}

func TestFormatPromptAndExtract(t *testing.T) {
	r := dataset.Record{Instruction: "Name a fruit", Response: "Apple"}
	p := FormatPrompt(r)
	if !strings.HasSuffix(p, "### Response:\n") || !strings.HasPrefix(Format(r), p) {
		t.Fatalf("prompt should be a prefix of the training text: %q", p)
	}
	if got := ExtractResponse(p + "  Name a fruit \n"); got != "Name a fruit" {
		t.Fatalf("extract=%q", got)
	}
	if got := ExtractResponse(" plain "); got != "plain" {
		t.Fatalf("extract plain=%q", got)
	}
	if all := FormatAll([]dataset.Record{r, r}); len(all) != 2 || all[0] != Format(r) {
		t.Fatalf("format all mismatch")
	}
}
