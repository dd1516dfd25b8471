package domain

import (
	"time"
)

// Account is a ledger entity that sends and receives transfers.
// The scoring core only reads accounts; it never creates or deletes them.
type Account struct {
	ID                string    `json:"account_id"`
	CustomerID        string    `json:"customer_id,omitempty"`
	PAN               string    `json:"pan_card,omitempty"`
	Type              string    `json:"account_type,omitempty"`
	City              string    `json:"city,omitempty"`
	State             string    `json:"state,omitempty"`
	BranchIFSC        string    `json:"branch_ifsc,omitempty"`
	InitialRiskRating int       `json:"initial_risk_rating"`
	CreatedAt         time.Time `json:"created_at,omitempty"`
}

// AccountMeta is the slice of account metadata carried inside a model bundle
// for reporting (heatmap and record enrichment).
type AccountMeta struct {
	City  string `json:"city,omitempty"`
	State string `json:"state,omitempty"`
	Type  string `json:"account_type,omitempty"`
}

// Transfer is a directed, timestamped, amount-bearing edge between two accounts.
type Transfer struct {
	ID          string    `json:"transaction_id"`
	Source      string    `json:"source_account"`
	Target      string    `json:"target_account"`
	Timestamp   time.Time `json:"timestamp"`
	Amount      float64   `json:"amount_inr"`
	Type        string    `json:"transaction_type,omitempty"`
	Remarks     string    `json:"remarks,omitempty"`
	SourceIP    string    `json:"source_ip,omitempty"`
	IsIllicit   bool      `json:"is_illicit"`
	PatternType string    `json:"illicit_pattern_type,omitempty"`
}

// PatternNone is the pattern label carried by legitimate transfers.
const PatternNone = "NONE"

// Edge is a distinct directed (source, target) pair of the transfer graph.
type Edge struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// NodeAggregate is one row of raw per-account aggregates as returned by the
// graph datastore. Averages may be reported as NaN by some engines and are
// normalised by the feature extractor.
type NodeAggregate struct {
	AccountID         string
	InitialRiskRating float64
	OutDegree         float64
	InDegree          float64
	TotalAmountOut    float64
	TotalAmountIn     float64
	AvgAmountOut      float64
	AvgAmountIn       float64
}

// PatternTally counts illicit transfers of one pattern touching one account,
// as source or target.
type PatternTally struct {
	AccountID string
	Pattern   string
	Count     int
}

// GraphNode is a vertex of a visualisation subgraph.
type GraphNode struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	State string `json:"state,omitempty"`
	Risk  int    `json:"initial_risk_rating"`
}

// GraphEdge is an edge of a visualisation subgraph.
type GraphEdge struct {
	From      string  `json:"from"`
	To        string  `json:"to"`
	Amount    float64 `json:"amount"`
	IsIllicit bool    `json:"is_illicit"`
}

// Subgraph is a bounded neighbourhood around one account.
type Subgraph struct {
	Center string      `json:"center"`
	Hops   int         `json:"hops"`
	Nodes  []GraphNode `json:"nodes"`
	Edges  []GraphEdge `json:"edges"`
}
