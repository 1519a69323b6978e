// Package store persists conversation checkpoints and the active-agent
// record for each thread.
//
// Two interfaces are exposed. CheckpointStore keeps the message history,
// the active agent and any pending interruption. ActiveAgentStore is the
// small per-thread lookup the coordinator consults when a turn enters
// through the start node. Backends implement both: memory, file, sqlite,
// redis and mongo. Open picks one from Options and wraps it with tracing
// and metrics.
//
// Every backend gives read-your-writes on a single thread ID: a Save or
// SetActiveAgent is visible to the next Load or GetActiveAgent for the same
// thread.
package store
