// Package arionagents is a multi-agent workflow orchestrator built around
// immutable compiled snapshots of an agent network.
//
// A snapshot names the agents, the tools they may call, the routes they
// may hand off across, and the response contract. The run engine walks
// one snapshot step by step: it builds a prompt from the execution log,
// asks the LLM for a single JSON decision, gates that decision against
// the snapshot's permissions, and executes it: a tool call, a handoff to
// another agent, a sequential task group (with retries and delegated
// sub-runs), or the final response.
//
// # Quick start
//
// Start the API server against a local snapshot:
//
//	arion api --graph snapshot.json
//
// Then execute a run:
//
//	curl -X POST localhost:8000/run \
//	  -d '{"network": "snapshot", "user_message": "hello"}'
//
// # Packages
//
//	pkg/graph    compiled snapshot model and validation
//	pkg/engine   run config, gates, prompt builder, step loop, scheduler
//	pkg/llm      decide contract and the Gemini client
//	pkg/tool     tool provider contract and the built-in providers
//	pkg/runlog   execution log, tool store, preview policy
//	pkg/store    run, experiment, queue, and snapshot records
//	pkg/queue    experiment queue worker
//	pkg/server   JSON/HTTP surface with SSE run streaming
//
// Runs, experiments, and published snapshots persist through database/sql
// (SQLite, PostgreSQL, or MySQL, selected by DATABASE_URL).
package arionagents
