// Package mocks provides shared test doubles.
//
//   - MockLLMClient: configurable llm.LLMClient with call recording
//   - ScriptedClient: llm.LLMClient that replays canned responses
//   - MockStore: in-memory state store with failure injection
package mocks
