package dispatcher

import "context"

// RuleBasedPredictor is the default Predictor: a deterministic function of
// the already-computed rule score and request priority, standing in for an
// ML service so the dispatcher never requires one to be wired.
type RuleBasedPredictor struct {
	// PriorityBoost is added per priority point above 3 (the midpoint of
	// the 1..5 scale), capped so the result stays in [0, 1].
	PriorityBoost float64
}

// NewRuleBasedPredictor returns a RuleBasedPredictor with default weights.
func NewRuleBasedPredictor() *RuleBasedPredictor {
	return &RuleBasedPredictor{PriorityBoost: 0.05}
}

func (p *RuleBasedPredictor) Predict(ctx context.Context, f Features) (PredictionResult, error) {
	score := f.RuleScore + p.PriorityBoost*float64(f.RequestPriority-3)
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return PredictionResult{Score: score, Confidence: 0.5}, nil
}
