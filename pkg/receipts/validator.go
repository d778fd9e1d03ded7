package receipts

// RuleValidator evaluates a parsed RuleSet against a result. It is the
// default validation capability used by the attestation engine.
type RuleValidator struct{}

// Validate reports whether result satisfies rules, with errors in rule order.
func (RuleValidator) Validate(result any, rules *RuleSet) (bool, []string) {
	if rules == nil {
		return true, []string{}
	}
	return rules.Evaluate(result)
}
