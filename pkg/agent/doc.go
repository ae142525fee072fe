// Package agent builds the LLM clients used by the orchestrator.
//
// LLMClientFactory maps a Role (supervisor, stage, verifier) to its configured
// model, picks the provider from the model name and wraps the provider client
// in the middleware chain:
//
//	metrics -> circuit breaker -> retry -> empty-response validation -> rate limit -> timeout
//
// Provider implementations live under internal/llmimpl and are not importable
// outside this package.
package agent
