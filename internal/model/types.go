package model

import "time"

// DivisionKPI is an immutable per-division health snapshot. A new row is
// written each collection cycle; snapshots are never updated in place.
type DivisionKPI struct {
	ID             int64
	Division       string
	CompositeScore float64 // 0-100, higher is better
	RiskScore      float64 // 0-100, lower is better
	CapturedAt     time.Time
}

// ImpactMetric measures the before/after effect of a rebalance run on one
// division. Created only when both a before and an after snapshot exist.
type ImpactMetric struct {
	ID             int64
	Division       string
	RunID          string // empty when not tied to a specific run
	DeltaStability float64
	DeltaRisk      float64
	ImpactScore    float64 // 0.6*delta_stability + 0.4*delta_risk
	SCSpent        float64 // >= 1
	ImpactPerSC    float64 // may be negative; stored unmodified
	CreatedAt      time.Time
}

// LearningWeight is one versioned row of a division's learned impact weight.
// Rows are append-only; the latest row per division is the current weight.
type LearningWeight struct {
	ID           int64
	Division     string
	ImpactWeight float64 // [0,1]
	Trend        float64 // signed delta from the previous row
	CreatedAt    time.Time
}

// PolicyWeights are the relative scoring weights of the allocation policy.
type PolicyWeights struct {
	Need   float64 `json:"need" yaml:"need"`
	Risk   float64 `json:"risk" yaml:"risk"`
	Impact float64 `json:"impact" yaml:"impact"`
}

// PolicyConstraints bound what a single rebalance run may do.
type PolicyConstraints struct {
	MinPctPerDivision     float64 `json:"min_pct_per_division" yaml:"min_pct_per_division"`
	MaxPctPerDivision     float64 `json:"max_pct_per_division" yaml:"max_pct_per_division"`
	MaxMovePerEpochSC     float64 `json:"max_move_per_epoch_sc" yaml:"max_move_per_epoch_sc"`
	RequireApprovalOverSC float64 `json:"require_approval_over_sc" yaml:"require_approval_over_sc"`
}

// AllocationPolicy is the read-mostly configuration of the rebalance engine.
// LearnedImpact and GlobalPrior are auxiliary fields mirrored in by the
// learning updater and the prior merger so allocation decisions stay
// explainable after the fact.
type AllocationPolicy struct {
	PolicyKey     string
	Weights       PolicyWeights
	Constraints   PolicyConstraints
	Enabled       bool
	LearnedImpact map[string]float64
	GlobalPrior   map[string]float64
	UpdatedAt     time.Time
}

// RunMode selects whether a rebalance run mutates wallets.
type RunMode string

const (
	ModeSimulate RunMode = "simulate"
	ModeExecute  RunMode = "execute"
)

// RunStatus is the lifecycle state of a rebalance run.
type RunStatus string

const (
	RunPending  RunStatus = "pending"
	RunFinished RunStatus = "finished"
	RunFailed   RunStatus = "failed"
)

// RebalanceRun records one invocation of the allocation policy engine.
type RebalanceRun struct {
	ID               string
	PolicyKey        string
	Mode             RunMode
	Status           RunStatus
	TotalAvailableSC float64
	TotalMovedSC     float64
	CreatedAt        time.Time
	FinishedAt       time.Time
	Evaluated        bool
}

// RebalanceMove is a single planned transfer between two division wallets.
// Immutable once created; execution is a separate gated step.
type RebalanceMove struct {
	ID               int64
	RunID            string
	FromDivision     string
	ToDivision       string
	AmountSC         float64 // > 0
	Reason           string
	RequiresApproval bool
	Executed         bool
}

// OwnerType distinguishes division wallets from user wallets.
type OwnerType string

const (
	OwnerDivision OwnerType = "division"
	OwnerUser     OwnerType = "user"
)

// Wallet holds SC for a division or a user. Invariant: balance >= locked >= 0,
// enforced by the ledger's conditional updates.
type Wallet struct {
	ID        string
	OwnerType OwnerType
	Owner     string
	Balance   float64
	Locked    float64
}

// TxType classifies a ledger entry.
type TxType string

const (
	TxMint        TxType = "mint"
	TxReward      TxType = "reward"
	TxTransferIn  TxType = "transfer_in"
	TxTransferOut TxType = "transfer_out"
	TxBurn        TxType = "burn"
	TxLock        TxType = "lock"
)

// LedgerEntry is the append-only record behind every wallet mutation and
// the source of truth for balance reconciliation.
type LedgerEntry struct {
	ID        int64
	WalletID  string
	TxType    TxType
	Amount    float64
	RefID     string
	Memo      string
	CreatedAt time.Time
}

// FederationPeer is a pre-registered remote node we exchange bundles with.
type FederationPeer struct {
	ID          int64
	PeerName    string
	PublicKey   string  // hex-encoded ed25519 public key
	TrustScore  float64 // [0,100]
	SendEnabled bool
	RecvEnabled bool
	LastSeen    time.Time
}

// BundleStatus is the delivery state of an outbound bundle.
type BundleStatus string

const (
	BundleQueued BundleStatus = "queued"
	BundleSent   BundleStatus = "sent"
	BundleFailed BundleStatus = "failed"
)

// DivisionSignal is one division's aggregated, noised impact statistic
// inside a federation bundle.
type DivisionSignal struct {
	Division       string  `json:"division"`
	ImpactPerSCAvg float64 `json:"impact_per_sc_avg"`
	SampleSize     int     `json:"sample_size"`
	StdDev         float64 `json:"stddev"`
}

// BundlePayload is the canonical wire document exchanged between peers.
// Field order is fixed; the marshaled bytes are what gets hashed and signed.
type BundlePayload struct {
	WindowStart     time.Time        `json:"window_start"`
	WindowEnd       time.Time        `json:"window_end"`
	NodeReliability float64          `json:"node_reliability,omitempty"` // (0,1]
	Signals         []DivisionSignal `json:"signals"`
}

// OutboundBundle is a signed, hashed payload queued for delivery to peers.
type OutboundBundle struct {
	ID          string
	WindowStart time.Time
	WindowEnd   time.Time
	Payload     []byte // exact bytes that were hashed and signed
	ContentHash string // hex sha256 of Payload
	Status      BundleStatus
	Attempts    int
	LastAttempt time.Time
}

// InboundSignal is a verified peer bundle persisted together with a
// snapshot of the peer's trust at receipt time.
type InboundSignal struct {
	ID              int64
	PeerID          int64
	WindowStart     time.Time
	WindowEnd       time.Time
	Signals         []DivisionSignal
	SignatureValid  bool
	PeerTrust       float64 // trust_score snapshot at receipt
	SummaryStrength float64
	ReceivedAt      time.Time
}

// ProposalStatus is the lifecycle state of a governance proposal.
type ProposalStatus string

const (
	ProposalOpen     ProposalStatus = "open"
	ProposalApproved ProposalStatus = "approved"
	ProposalRejected ProposalStatus = "rejected"
)

// DAOProposal is a governance proposal gated by quorum and pass thresholds.
type DAOProposal struct {
	ID          string
	SpaceID     string
	Actions     string // opaque action payload, forwarded on approval
	QuorumPct   float64
	PassPct     float64
	VotingStart time.Time
	VotingEnd   time.Time
	Status      ProposalStatus
}

// VoteChoice is a voter's decision on a proposal.
type VoteChoice string

const (
	VoteYes     VoteChoice = "yes"
	VoteNo      VoteChoice = "no"
	VoteAbstain VoteChoice = "abstain"
)

// DAOVote is a single weighted vote. Weight is capped per voter at
// stake-snapshot time to bound concentration.
type DAOVote struct {
	ID         int64
	ProposalID string
	Voter      string
	Choice     VoteChoice
	Weight     float64
}

// TallyResult summarizes a closed proposal tally.
type TallyResult struct {
	Status        ProposalStatus `json:"status"`
	YesWeight     float64        `json:"yesWeight"`
	NoWeight      float64        `json:"noWeight"`
	AbstainWeight float64        `json:"abstainWeight"`
	TurnoutPct    float64        `json:"turnoutPct"`
	YesPct        float64        `json:"yesPct"`
}
