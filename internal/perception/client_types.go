package perception

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"crewplan/internal/config"
)

// Role identifies which pipeline agent is calling the model.
type Role string

const (
	RoleWorkPackager        Role = "work_packager"
	RoleWorksToPackages     Role = "works_to_packages"
	RoleCounter             Role = "counter"
	RoleSchedulerAndStaffer Role = "scheduler_and_staffer"
)

// Roles returns every known role in pipeline order.
func Roles() []Role {
	return []Role{RoleWorkPackager, RoleWorksToPackages, RoleCounter, RoleSchedulerAndStaffer}
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	for _, known := range Roles() {
		if r == known {
			return true
		}
	}
	return false
}

// Default sampling parameters. Low temperature keeps structured output stable.
const (
	DefaultTemperature = 0.1
	DefaultTopP        = 0.95

	// truncationGrowth is applied to the output cap after a truncated reply.
	truncationGrowth = 1.5
)

// ModelProfile is the resolved per-role request shape.
type ModelProfile struct {
	Model            string
	MaxOutputTokens  int
	MaxOutputCeiling int
	Temperature      float64
	TopP             float64
}

// Profiles maps roles to model profiles. Resolved once at startup.
type Profiles struct {
	byRole   map[Role]ModelProfile
	fallback ModelProfile
}

// ResolveProfiles builds the role table from configuration. Roles without a
// profile, and fields a profile leaves empty, inherit the llm defaults.
func ResolveProfiles(cfg *config.Config) Profiles {
	fallback := ModelProfile{
		Model:           cfg.LLM.DefaultModel,
		MaxOutputTokens: cfg.LLM.DefaultMaxOutputTokens,
		Temperature:     DefaultTemperature,
		TopP:            DefaultTopP,
	}
	if fallback.MaxOutputTokens <= 0 {
		fallback.MaxOutputTokens = 8192
	}
	fallback.MaxOutputCeiling = fallback.MaxOutputTokens * 4

	p := Profiles{byRole: make(map[Role]ModelProfile, len(cfg.Profiles)), fallback: fallback}
	for name, pc := range cfg.Profiles {
		prof := fallback
		if pc.Model != "" {
			prof.Model = pc.Model
		}
		if pc.MaxOutputTokens > 0 {
			prof.MaxOutputTokens = pc.MaxOutputTokens
		}
		prof.MaxOutputCeiling = pc.MaxOutputCeil
		if prof.MaxOutputCeiling < prof.MaxOutputTokens {
			prof.MaxOutputCeiling = prof.MaxOutputTokens
		}
		if pc.Temperature != nil {
			prof.Temperature = *pc.Temperature
		}
		if pc.TopP != nil {
			prof.TopP = *pc.TopP
		}
		p.byRole[Role(name)] = prof
	}
	return p
}

// For returns the profile for role, or the default profile for unknown roles.
func (p Profiles) For(role Role) ModelProfile {
	if prof, ok := p.byRole[role]; ok {
		return prof
	}
	return p.fallback
}

// Call is one request to a provider.
type Call struct {
	Model             string
	SystemInstruction string
	Prompt            string
	Temperature       float64
	TopP              float64
	MaxOutputTokens   int
	JSON              bool
}

// Usage is the token accounting a provider reports for one call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Reply is a provider's raw answer before classification.
type Reply struct {
	Text         string
	Model        string
	FinishReason string // provider-specific; numeric codes are accepted too
	BlockReason  string // prompt-level block, if any
	Usage        Usage
}

// Provider executes a single generation call. Implementations must not retry;
// retries belong to the Invoker.
type Provider interface {
	Name() string
	Generate(ctx context.Context, call Call) (Reply, error)
}

// ProviderConfig holds the connection settings shared by all providers.
type ProviderConfig struct {
	APIKey     string
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// ProviderError is a non-2xx answer from a provider.
type ProviderError struct {
	Provider   string
	StatusCode int
	Status     string
	Message    string
	RetryAfter time.Duration // server-suggested delay, zero if none
}

func (e *ProviderError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("%s: status %d (%s): %s", e.Provider, e.StatusCode, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Provider, e.StatusCode, e.Message)
}
