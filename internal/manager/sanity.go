package manager

import (
	"instructune/pkg/types"
)

// SanityIssue names a registered model that cannot be loaded as-is.
type SanityIssue struct {
	ModelID string `json:"model_id"`
	Error   string `json:"error"`
}

// SanityCheck verifies that every registered adapter can find its base model.
// It does not mutate state and is safe to call at any time.
func SanityCheck(reg []types.Model, baseModelsDir string) []SanityIssue {
	var issues []SanityIssue
	for _, mdl := range reg {
		if mdl.Kind != types.KindAdapter {
			continue
		}
		if mdl.BaseModel == "" {
			issues = append(issues, SanityIssue{ModelID: mdl.ID, Error: "adapter_config.json names no base model"})
			continue
		}
		if _, ok := ResolveBaseDir(baseModelsDir, mdl.BaseModel); !ok {
			issues = append(issues, SanityIssue{ModelID: mdl.ID, Error: "base model " + mdl.BaseModel + " not found"})
		}
	}
	return issues
}
