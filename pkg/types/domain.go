package types

// Model kinds discovered by the registry.
const (
	KindAdapter = "adapter"
	KindMerged  = "merged"
)

// Model represents a servable fine-tuned model on disk: either a LoRA adapter
// directory (loaded on top of its base model) or a merged standalone model.
type Model struct {
	// Stable identifier for the model (directory name).
	// example: tiny-gpt-int4-dolly
	ID string `json:"id" example:"tiny-gpt-int4-dolly"`
	// Human-friendly name.
	// example: tiny-gpt-int4-dolly
	Name string `json:"name" example:"tiny-gpt-int4-dolly"`
	// Absolute path to the model directory.
	// example: /home/user/runs/tiny-gpt-int4-dolly
	Path string `json:"path" example:"/home/user/runs/tiny-gpt-int4-dolly"`
	// Either "adapter" or "merged".
	// example: adapter
	Kind string `json:"kind" example:"adapter"`
	// Base model the adapter was trained on (adapters only).
	// example: tiny-gpt-base
	BaseModel string `json:"base_model,omitempty" example:"tiny-gpt-base"`
	// Quantization applied to the base weights when served.
	// example: nf4
	Quant string `json:"quant,omitempty" example:"nf4"`
	// On-disk size of the weights in bytes.
	// example: 1048576
	SizeBytes int64 `json:"size_bytes,omitempty" example:"1048576"`
}
