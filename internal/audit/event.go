// Package audit writes security and durability events to an append-only JSONL
// file where each line carries the hash of the line before it.
package audit

// Event kinds.
const (
	KindCloneSuspected      = "clone_suspected"
	KindTimingPolicy        = "timing_policy_rejected"
	KindActionFailed        = "action_failed"
	KindActionRequeued      = "action_requeued"
	KindTokenProvisioned    = "token_provisioned"
	KindMasterSecretRotated = "master_secret_rotated"
)

// Event is one audit line. Fields are a flat struct so json.Marshal output is
// stable and the chain hash reproducible.
type Event struct {
	Timestamp string `json:"ts"`
	Kind      string `json:"kind"`
	Token     string `json:"token,omitempty"`
	UID       string `json:"uid,omitempty"`
	Ref       string `json:"ref,omitempty"`
	Reason    string `json:"reason"`
	PrevHash  string `json:"prev_hash"`
}

// Recorder accepts audit events.
type Recorder interface {
	Record(Event) error
}

type nop struct{}

func (nop) Record(Event) error { return nil }

// Nop discards events.
var Nop Recorder = nop{}
