package model

type (
	// Complexity is the estimated difficulty of answering a message.
	Complexity struct {
		// Score is in [0, 1]; higher means harder.
		Score float64
		// RequiresReasoning is set when the message asks for multi-step
		// reasoning.
		RequiresReasoning bool
	}

	// Selection names the provider and model chosen for a message.
	Selection struct {
		Provider string
		Model    string
	}

	// Selector picks the provider and model that serve a message.
	Selector interface {
		// AnalyzeComplexity estimates the difficulty of message.
		AnalyzeComplexity(message string) Complexity
		// SelectProvider returns the provider and model for a message of
		// the given complexity.
		SelectProvider(c Complexity) (Selection, error)
	}
)
