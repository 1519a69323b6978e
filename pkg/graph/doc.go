// Package graph routes a conversation between the banking agents.
//
// The graph is static: START leads to the coordinator, the coordinator may
// forward to the recorded active agent, every agent leads to the human node
// and the human node resumes at the agent named by its single trigger.
//
// Usage:
//
//	engine, _ := graph.NewEngine(registry, st, graph.WithQueue(queue))
//	res, err := engine.Turn(ctx, graph.TurnRequest{ThreadID: "t-1", Message: "hi"})
package graph
