package costtracker

// DefaultPrices returns a starter price table covering the model families
// the bundled providers (internal/provider/{openai,anthropic,gemini,cohere,
// ollama}) speak. Operators override or extend this via config; models not
// listed here cost 0 rather than failing the request.
func DefaultPrices() map[string]ModelPrice {
	return map[string]ModelPrice{
		"gpt-4o":              {InputPer1K: 0.0025, OutputPer1K: 0.0100},
		"gpt-4o-mini":         {InputPer1K: 0.00015, OutputPer1K: 0.00060},
		"gpt-4-turbo":         {InputPer1K: 0.0100, OutputPer1K: 0.0300},
		"claude-3-5-sonnet":   {InputPer1K: 0.0030, OutputPer1K: 0.0150},
		"claude-3-5-haiku":    {InputPer1K: 0.0008, OutputPer1K: 0.0040},
		"claude-3-opus":       {InputPer1K: 0.0150, OutputPer1K: 0.0750},
		"gemini-1.5-pro":      {InputPer1K: 0.00125, OutputPer1K: 0.0050},
		"gemini-1.5-flash":    {InputPer1K: 0.000075, OutputPer1K: 0.0003},
		"command-r-plus":      {InputPer1K: 0.0025, OutputPer1K: 0.0100},
		"command-r":           {InputPer1K: 0.00015, OutputPer1K: 0.00060},
		// Locally hosted ollama models run on the operator's own hardware.
	}
}
