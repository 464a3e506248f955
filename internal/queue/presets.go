package queue

import "time"

// defaultConfig returns the preset Config wired at provider-registration time
// for a given provider type, before any per-provider override from config.go
// is applied.
func defaultConfig(providerType string) Config {
	rate := func(limit int) RateConfig {
		return RateConfig{Limit: limit, Window: 60 * time.Second}
	}

	switch providerType {
	case "openai", "glm", "deepseek", "moonshot", "qwen", "mistral", "custom", "vllm":
		return Config{MaxConcurrent: 5, Rate: rate(60)}
	case "anthropic":
		return Config{MaxConcurrent: 4, Rate: rate(50)}
	case "google":
		return Config{MaxConcurrent: 5, Rate: rate(60)}
	case "groq":
		return Config{MaxConcurrent: 8, Rate: rate(30)}
	case "cerebras":
		return Config{MaxConcurrent: 10, Rate: rate(100)}
	case "ollama", "lmstudio", "llamacpp":
		return Config{MaxConcurrent: 1, Rate: rate(10)}
	case "openrouter", "together":
		return Config{MaxConcurrent: 5, Rate: rate(60)}
	default:
		return Config{MaxConcurrent: 5, Rate: rate(60)}
	}
}

// NewForProvider builds a Queue preset for providerType, applying maxQueueSize
// and execTimeout on top of the type's preset concurrency and rate window.
func NewForProvider[T any](name, providerType string, maxQueueSize int, execTimeout time.Duration) *Queue[T] {
	cfg := defaultConfig(providerType)
	cfg.MaxQueueSize = maxQueueSize
	cfg.ExecTimeout = execTimeout
	return New[T](name, cfg)
}
