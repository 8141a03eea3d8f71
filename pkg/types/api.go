package types

// GenerateRequest represents a generation request payload.
type GenerateRequest struct {
	// Optional model identifier. If empty, the server default is used.
	// example: tiny-gpt-int4-dolly
	Model string `json:"model,omitempty" example:"tiny-gpt-int4-dolly"`
	// Raw prompt text to continue. Either prompt or input is required.
	// example: ### Instruction:\n...
	Prompt string `json:"prompt,omitempty" example:"### Instruction:\n..."`
	// Input text placed under the "### Input:" header of the tuning template;
	// the model then writes the instruction that could have produced it.
	// example: The Eiffel Tower is 330 metres tall.
	Input string `json:"input,omitempty" example:"The Eiffel Tower is 330 metres tall."`
	// Maximum number of new tokens to generate.
	// example: 100
	MaxNewTokens int `json:"max_new_tokens,omitempty" example:"100"`
	// Sampling temperature (higher = more random). Omitted uses the server default.
	// example: 0.9
	Temperature *float64 `json:"temperature,omitempty" example:"0.9"`
	// Nucleus sampling probability.
	// example: 0.9
	TopP float64 `json:"top_p,omitempty" example:"0.9"`
	// Top-K sampling: limit candidates to top K tokens.
	// example: 40
	TopK int `json:"top_k,omitempty" example:"40"`
	// Optional stop sequences. Generation stops when any sequence is matched.
	// example: ["\n\n","###"]
	Stop []string `json:"stop,omitempty" example:"[\"\\n\\n\",\"###\"]"`
	// Random seed for reproducibility; 0 or omitted lets the server choose.
	// example: 42
	Seed int64 `json:"seed,omitempty" example:"42"`
}

// TokenLine is one streamed NDJSON token line.
type TokenLine struct {
	Token string `json:"token"`
}

// Usage contains token accounting.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// DoneLine is the final NDJSON line of a generation stream.
type DoneLine struct {
	Done bool `json:"done"`
	// Full generated text.
	Content string `json:"content"`
	// Text after the last "### Response:" header when input was used.
	Response string `json:"response,omitempty"`
	// One of eos, stop, length, context_window.
	// example: eos
	FinishReason string `json:"finish_reason" example:"eos"`
	Usage        Usage  `json:"usage"`
}

// ModelsResponse wraps the list of models returned by GET /models.
type ModelsResponse struct {
	// List of available models.
	Models []Model `json:"models"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: invalid JSON body
	Error string `json:"error" example:"invalid JSON body"`
	// HTTP status code.
	// example: 400
	Code int `json:"code" example:"400"`
}

// InstanceStatus summarizes a loaded model for /status.
type InstanceStatus struct {
	// ID of the model this instance serves.
	// example: tiny-gpt-int4-dolly
	ModelID string `json:"model_id" example:"tiny-gpt-int4-dolly"`
	// Current lifecycle state of the instance (loading, ready, draining).
	// example: ready
	State string `json:"state" example:"ready"`
	// Last time this instance served a request (unix seconds).
	// example: 1700000000
	LastUsed int64 `json:"last_used_unix" example:"1700000000"`
	// Estimated resident memory of the loaded weights in MB.
	// example: 12
	EstMemMB int `json:"est_mem_mb" example:"12"`
	// Current queue length for incoming requests.
	// example: 0
	QueueLen int `json:"queue_len" example:"0"`
	// Number of in-flight requests currently being processed.
	// example: 1
	Inflight int `json:"inflight" example:"1"`
	// Maximum queued requests allowed before backpressure triggers.
	// example: 32
	MaxQueueDepth int `json:"max_queue_depth" example:"32"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	// Loaded instances.
	Instances []InstanceStatus `json:"instances"`
	// Memory budget in MB across all instances; 0 means unlimited.
	// example: 1024
	BudgetMB int `json:"budget_mb" example:"1024"`
	// Estimated used memory in MB.
	// example: 24
	UsedMB int `json:"used_est_mb" example:"24"`
	// Reserved memory margin in MB.
	// example: 64
	MarginMB int `json:"margin_mb" example:"64"`
	// Last error observed by the manager (if any).
	Error string `json:"error,omitempty"`
	// Uptime of the server in seconds.
	// example: 3600
	UptimeSeconds int64 `json:"uptime_seconds" example:"3600"`
	// Server time in unix seconds.
	// example: 1700000000
	ServerTimeUnix int64 `json:"server_time_unix" example:"1700000000"`
	// Total number of evictions performed to free memory.
	// example: 5
	EvictionsTotal uint64 `json:"evictions_total" example:"5"`
	// Total number of model loads.
	// example: 12
	LoadsTotal uint64 `json:"loads_total" example:"12"`
	// Overall manager state (loading, ready, error).
	// example: ready
	State string `json:"state" example:"ready"`
	// Number of instances currently loading.
	// example: 1
	WarmupsInProgress int `json:"warmups_in_progress" example:"1"`
	// Number of instances currently draining.
	// example: 0
	DrainingCount int `json:"draining_count" example:"0"`
}
