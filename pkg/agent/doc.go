// Package agent runs banking agents against an LLM with a tool loop and
// provider failover.
//
// Invariants:
// - Business tool calls route through toolexecutor only.
// - transfer_to_<agent> calls are intercepted and never executed; the first
//   allowed one becomes Reply.Handoff and ends the turn.
// - Every tool call in a model response gets exactly one tool message.
//
// Usage:
//
//	runner, _ := agent.NewRunner(agent.Config{
//		ToolExecutor: exec,
//		AuthProfiles: []agent.AuthProfile{{ID: "default", Provider: "offline"}},
//	})
//	registry, _ := roster.NewRegistry(roster.DefaultDefinitions(), runner.HandlerFor)
package agent
