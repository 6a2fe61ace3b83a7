package models

import "strings"

// DetectProvider determines the provider from a model name by pattern
// matching common naming conventions. Used for metric labels and pricing
// lookups; unknown names report "unknown" rather than failing.
func DetectProvider(model string) string {
	if model == "" {
		return "unknown"
	}
	ml := strings.ToLower(model)

	if strings.Contains(ml, "gpt-") || strings.Contains(ml, "o1") ||
		strings.Contains(ml, "davinci") || strings.Contains(ml, "text-embedding") {
		return "openai"
	}
	if strings.Contains(ml, "claude") || strings.Contains(ml, "opus") ||
		strings.Contains(ml, "sonnet") || strings.Contains(ml, "haiku") {
		return "anthropic"
	}
	if strings.Contains(ml, "gemini") || strings.Contains(ml, "palm") {
		return "google"
	}
	if strings.Contains(ml, "deepseek") {
		return "deepseek"
	}
	if strings.Contains(ml, "qwen") {
		return "qwen"
	}
	if strings.Contains(ml, "mistral") || strings.Contains(ml, "mixtral") ||
		strings.Contains(ml, "codestral") {
		return "mistral"
	}
	if strings.Contains(ml, "llama") || strings.Contains(ml, "nomic") {
		return "ollama"
	}
	if strings.Contains(ml, "command") || strings.Contains(ml, "cohere") {
		return "cohere"
	}
	return "unknown"
}
