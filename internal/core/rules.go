package core

// NewDefaultRulesEngine builds a rules engine with the built-in consistency
// rules. The cascade policy decides whether a batch approval may sweep rejected
// samples into approved.
func NewDefaultRulesEngine(policy CascadePolicy) *RulesEngine {
	if !policy.Valid() {
		policy = CascadeSkipRejected
	}
	engine := NewRulesEngine()
	engine.Register(NewCounterConsistencyRule())
	engine.Register(NewIdentifierUniquenessRule())
	engine.Register(NewCascadeCompletenessRule(policy))
	engine.Register(NewStatusMonotonicityRule(policy))
	return engine
}
