package models

// RequestStatus tracks a pending request through the batch lifecycle.
type RequestStatus string

const (
	RequestQueued     RequestStatus = "queued"
	RequestAssigned   RequestStatus = "assigned"
	RequestCompleted  RequestStatus = "completed"
	RequestFailed     RequestStatus = "failed"
	RequestSuspicious RequestStatus = "suspicious"
)

// FailureKind classifies an upstream invocation outcome.
type FailureKind string

const (
	FailureNone          FailureKind = ""
	FailureQuotaExceeded FailureKind = "quota_exceeded"
	FailureResourceLimit FailureKind = "resource_limit_reached"
	FailureSuspicious    FailureKind = "suspicious_activity"
	FailureTransient     FailureKind = "transient_network"
	FailureRateLimited   FailureKind = "rate_limited_by_upstream"
	FailureOther         FailureKind = "other"
)

// VoiceSettings tunes synthesis output.
type VoiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Style           float64 `json:"style,omitempty"`
	SpeakerBoost    bool    `json:"use_speaker_boost,omitempty"`
}

// SpeechParams are the upstream-specific parameters for one synthesis call.
type SpeechParams struct {
	VoiceID  string         `json:"voice_id"`
	ModelID  string         `json:"model_id"`
	Settings *VoiceSettings `json:"voice_settings,omitempty"`
}

// Result is the terminal outcome of a pending request.
type Result struct {
	Success     bool
	Content     []byte
	ContentType string
	Kind        FailureKind
	Err         string
}

// PendingRequest is one unit of work moving through the queue. Cost is the
// quota currency charged on success (characters for speech).
type PendingRequest struct {
	ID     string
	Text   string
	Cost   int64
	Params SpeechParams
	Status RequestStatus
	Result *Result
}

// Assignment maps one account to the requests it will serve within a batch.
// Batch-scoped; discarded when the batch completes.
type Assignment struct {
	Account       *Account
	Requests      []*PendingRequest
	CommittedCost int64
}
