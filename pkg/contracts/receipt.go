package contracts

// Receipt is the durable record of one attested task. Field names and
// encodings are a compatibility surface shared with independent verifiers.
type Receipt struct {
	TaskID          string   `json:"task_id"`
	NodeID          string   `json:"node_id"`
	LogicVersion    string   `json:"logic_version"`
	InputHash       string   `json:"input_hash"`  // hex SHA-256 of canonical input
	RulesHash       string   `json:"rules_hash"`  // hex SHA-256 of canonical rules
	OutputHash      string   `json:"output_hash"` // hex SHA-256 of canonical result
	ValidatorPassed bool     `json:"validator_passed"`
	ValidatorErrors []string `json:"validator_errors"`
	// SigPayload is the exact canonical text that was signed. Stored verbatim.
	SigPayload string `json:"sig_payload"`
	Signature  string `json:"signature"` // hex Ed25519 over SigPayload
	// Result is the canonical JSON encoding of the task output.
	Result    string `json:"result"`
	CreatedAt int64  `json:"created_at"` // epoch seconds, assigned by the store
}

// ValidatorOutcome is the validation summary embedded in the signed payload.
type ValidatorOutcome struct {
	Passed bool     `json:"passed"`
	Errors []string `json:"errors"`
}

// SignaturePayload is the structure whose canonical encoding is Receipt.SigPayload.
// It is never stored on its own.
type SignaturePayload struct {
	TaskID       string           `json:"task_id"`
	NodeID       string           `json:"node_id"`
	LogicVersion string           `json:"logic_version"`
	InputHash    string           `json:"input_hash"`
	RulesHash    string           `json:"rules_hash"`
	OutputHash   string           `json:"output_hash"`
	Validator    ValidatorOutcome `json:"validator"`
}

// Payload reconstructs the signature payload field-for-field from the receipt.
func (r *Receipt) Payload() SignaturePayload {
	errs := r.ValidatorErrors
	if errs == nil {
		errs = []string{}
	}
	return SignaturePayload{
		TaskID:       r.TaskID,
		NodeID:       r.NodeID,
		LogicVersion: r.LogicVersion,
		InputHash:    r.InputHash,
		RulesHash:    r.RulesHash,
		OutputHash:   r.OutputHash,
		Validator: ValidatorOutcome{
			Passed: r.ValidatorPassed,
			Errors: errs,
		},
	}
}

// ReasonCount is one entry of the top failure reasons.
type ReasonCount struct {
	Reason string `json:"reason"`
	Count  int    `json:"count"`
}

// AggregateStats is the transparency summary over stored receipts.
type AggregateStats struct {
	Total       int64         `json:"total"`
	PassedTrue  int64         `json:"passed_true"`
	PassedFalse int64         `json:"passed_false"`
	TopReasons  []ReasonCount `json:"top_reasons"`
}
