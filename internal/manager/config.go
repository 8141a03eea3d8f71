package manager

import (
	"time"

	"instructune/internal/generate"
	"instructune/internal/model"
	"instructune/pkg/types"
)

// Defaults applied when corresponding ManagerConfig fields are unset.
const (
	defaultMaxQueueDepth = 32
	defaultMaxWait       = 30 * time.Second
	defaultDrainTimeout  = 10 * time.Second
)

// ManagerConfig encapsulates all tunables for Manager construction.
type ManagerConfig struct {
	Registry      []types.Model
	BudgetMB      int
	MarginMB      int
	DefaultModel  string
	MaxQueueDepth int
	MaxWait       time.Duration
	DrainTimeout  time.Duration
	// BaseModelsDir resolves adapter base model names that are not paths.
	BaseModelsDir string
	// BaseLoad controls how adapter base weights are loaded (4-bit or dense).
	BaseLoad model.LoadOptions
	// Defaults fills sampling parameters a request leaves unset.
	Defaults generate.Params
	// Adapter overrides the in-process runtime (tests).
	Adapter   InferenceAdapter
	Publisher EventPublisher
}

// NewWithConfig constructs a Manager from ManagerConfig.
func NewWithConfig(cfg ManagerConfig) *Manager {
	m := &Manager{
		state:        StateLoading,
		registry:     append([]types.Model(nil), cfg.Registry...),
		budgetMB:     cfg.BudgetMB,
		marginMB:     cfg.MarginMB,
		defaultModel: cfg.DefaultModel,
		instances:    make(map[string]*Instance),
		defaults:     cfg.Defaults,
		publisher:    cfg.Publisher,
		adapter:      cfg.Adapter,
	}
	// Apply defaults if unset
	if cfg.MaxQueueDepth <= 0 {
		m.maxQueueDepth = defaultMaxQueueDepth
	} else {
		m.maxQueueDepth = cfg.MaxQueueDepth
	}
	if cfg.MaxWait <= 0 {
		m.maxWait = defaultMaxWait
	} else {
		m.maxWait = cfg.MaxWait
	}
	if cfg.DrainTimeout <= 0 {
		m.drainTimeout = defaultDrainTimeout
	} else {
		m.drainTimeout = cfg.DrainTimeout
	}
	if m.defaults.MaxNewTokens <= 0 {
		m.defaults = generate.DefaultParams()
	}
	if m.publisher == nil {
		m.publisher = noopPublisher{}
	}
	if m.adapter == nil {
		m.adapter = NewLocalAdapter(cfg.BaseModelsDir, cfg.BaseLoad)
	}
	m.startTime = time.Now()
	return m
}
