package query

import "time"

// Amount is a base-unit integer with its 18-decimal rendering.
type Amount struct {
	Raw     string `json:"raw"`
	Decimal string `json:"decimal"`
}

// CollateralBalance is one asset of a projected position.
type CollateralBalance struct {
	Asset  string `json:"asset"`
	Amount Amount `json:"amount"`
}

// PositionResponse is a user's projected position.
type PositionResponse struct {
	User         string              `json:"user"`
	Collateral   []CollateralBalance `json:"collateral"`
	Debt         Amount              `json:"debt"`
	AsOfSequence int64               `json:"as_of_sequence"`
}

// LiquidationResponse is one projected liquidation.
type LiquidationResponse struct {
	Sequence            int64     `json:"sequence"`
	Liquidator          string    `json:"liquidator"`
	Victim              string    `json:"victim"`
	Asset               string    `json:"asset"`
	DebtCovered         Amount    `json:"debt_covered"`
	CollateralSeized    Amount    `json:"collateral_seized"`
	Bonus               Amount    `json:"bonus"`
	InitialHealthFactor Amount    `json:"initial_health_factor"`
	EndingHealthFactor  Amount    `json:"ending_health_factor"`
	Timestamp           time.Time `json:"timestamp"`
}

// HistoryEntry is one logged event touching a user.
type HistoryEntry struct {
	Sequence  int64          `json:"sequence"`
	Index     int            `json:"index"`
	Operation string         `json:"operation"`
	EventType string         `json:"event_type"`
	Payload   map[string]any `json:"payload"`
	Timestamp time.Time      `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool    `json:"is_healthy"`
	LastSequence     int64   `json:"last_sequence"`
	ProjectedThrough int64   `json:"projected_through"`
	SequenceGaps     []int64 `json:"sequence_gaps,omitempty"`
	HashChainBreaks  []int64 `json:"hash_chain_breaks,omitempty"`
}
