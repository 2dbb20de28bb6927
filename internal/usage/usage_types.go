package usage

import "time"

// UsageData represents the root structure stored in persistence.
type UsageData struct {
	Version   string          `json:"version"`
	UpdatedAt time.Time       `json:"updated_at"`
	Aggregate AggregatedStats `json:"aggregate"`
}

// Event is a single provider call that returned usage metadata.
type Event struct {
	Model        string
	Role         string
	InputTokens  int
	OutputTokens int
}

// AggregatedStats holds counters broken down by various dimensions.
type AggregatedStats struct {
	Total     TokenCounts            `json:"total"`
	ByModel   map[string]TokenCounts `json:"by_model"`
	ByRole    map[string]TokenCounts `json:"by_role"`
	ByProject map[string]TokenCounts `json:"by_project"`
}

// TokenCounts holds input/output sums.
type TokenCounts struct {
	Calls  int64   `json:"calls"`
	Input  int64   `json:"input"`
	Output int64   `json:"output"`
	Total  int64   `json:"total"`
	Cost   float64 `json:"cost_est_usd,omitempty"`
}

func (tc *TokenCounts) Add(input, output int, cost float64) {
	tc.Calls++
	tc.Input += int64(input)
	tc.Output += int64(output)
	tc.Total += int64(input + output)
	tc.Cost += cost
}

// Price is USD per one million tokens.
type Price struct {
	InputPerMillion  float64
	OutputPerMillion float64
}
