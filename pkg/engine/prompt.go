package engine

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/qcenturion/arion-agents/pkg/llm"
	"github.com/qcenturion/arion-agents/pkg/runlog"
)

// PromptInput is everything the builder needs for one step.
type PromptInput struct {
	Config         *RunConfig
	UserMessage    string
	HandoffContext map[string]interface{}
	ToolOutputs    []runlog.FullOutput
	LogEntries     []runlog.Entry
}

// logSummaryWindow bounds the execution-log summary block.
const logSummaryWindow = 10

func jsonBlock(v interface{}) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

// BuildPrompt assembles the step prompt: base prompt, constraints with
// action schemas, context (user message, handoff, tool outputs, log
// summary), and the decision envelope schema. Only tools and routes
// present in the RunConfig are ever named.
func BuildPrompt(in PromptInput) string {
	cfg := in.Config
	var b strings.Builder

	if base := cfg.Agent.BasePrompt(); base != "" {
		b.WriteString(base)
		b.WriteString("\n\n")
	}

	writeConstraints(&b, cfg)
	writeContext(&b, in)

	b.WriteString("## Decision format\n\n")
	b.WriteString("Respond with a single raw JSON object matching this schema (no markdown, no prose):\n\n")
	b.WriteString(jsonBlock(llm.DecisionSchema()))
	b.WriteString("\n")

	return b.String()
}

type actionDoc struct {
	name    string
	summary string
	example map[string]interface{}
}

func writeConstraints(b *strings.Builder, cfg *RunConfig) {
	var docs []actionDoc

	if len(cfg.EquippedTools) > 0 {
		docs = append(docs, actionDoc{
			name:    llm.ActionUseTool,
			summary: "Invoke one of your equipped tools.",
			example: map[string]interface{}{
				"action":           llm.ActionUseTool,
				"action_reasoning": "I need more data before answering.",
				"action_details": map[string]interface{}{
					"tool_name":   cfg.EquippedTools[0],
					"tool_params": map[string]interface{}{},
				},
			},
		})
	}
	if len(cfg.AllowedRoutes) > 0 {
		docs = append(docs, actionDoc{
			name:    llm.ActionRouteToAgent,
			summary: "Hand the conversation to another agent, with optional context.",
			example: map[string]interface{}{
				"action":           llm.ActionRouteToAgent,
				"action_reasoning": "This is outside my role.",
				"action_details": map[string]interface{}{
					"target_agent_name": cfg.AllowedRoutes[0],
					"context":           map[string]interface{}{"summary": "what I learned"},
				},
			},
		})
	}
	if cfg.AllowRespond {
		docs = append(docs, actionDoc{
			name:    llm.ActionRespond,
			summary: "Finish the run with the final response payload.",
			example: map[string]interface{}{
				"action":           llm.ActionRespond,
				"action_reasoning": "I have everything I need.",
				"action_details": map[string]interface{}{
					"payload": map[string]interface{}{"message": "…"},
				},
			},
		})
	}
	if cfg.AllowTaskGroup {
		docs = append(docs, actionDoc{
			name:    llm.ActionTaskGroup,
			summary: "Dispatch a sequential list of child tasks (tool calls or delegated agents), each with its own retry budget.",
			example: map[string]interface{}{
				"action":           llm.ActionTaskGroup,
				"action_reasoning": "These subtasks can be handled independently.",
				"action_details": map[string]interface{}{
					"tasks": []interface{}{
						map[string]interface{}{
							"task_type":    "use_tool",
							"tool_name":    "<equipped tool>",
							"tool_params":  map[string]interface{}{},
							"retry_policy": map[string]interface{}{"attempts": 2},
						},
						map[string]interface{}{
							"task_type": "delegate_agent",
							"delegation_details": []interface{}{
								map[string]interface{}{
									"agent_key":  "<agent>",
									"assignment": "what the delegate should do",
									"max_steps":  5,
								},
							},
							"retry_policy": map[string]interface{}{"attempts": 1},
						},
					},
				},
			},
		})
	}
	if cfg.AllowTaskRespond {
		docs = append(docs, actionDoc{
			name:    llm.ActionTaskRespond,
			summary: "Finish your delegated task with its result payload.",
			example: map[string]interface{}{
				"action":           llm.ActionTaskRespond,
				"action_reasoning": "The assignment is complete.",
				"action_details": map[string]interface{}{
					"payload": map[string]interface{}{"message": "…"},
				},
			},
		})
	}

	b.WriteString("## Available actions\n\n")
	if len(docs) == 0 {
		b.WriteString("No actions are currently permitted for this agent.\n\n")
		return
	}
	for _, doc := range docs {
		fmt.Fprintf(b, "### %s\n%s\nExample:\n%s\n\n", doc.name, doc.summary, jsonBlock(doc.example))
	}

	if len(cfg.EquippedTools) > 0 {
		b.WriteString("## Equipped tools\n\n")
		for _, key := range cfg.EquippedTools {
			t, ok := cfg.Tool(key)
			if !ok {
				continue
			}
			fmt.Fprintf(b, "- %s", t.Key)
			if t.Description != "" {
				fmt.Fprintf(b, ": %s", t.Description)
			}
			b.WriteString("\n")
			if schema := t.AgentParamsSchema(); schema != nil {
				fmt.Fprintf(b, "  params schema:\n%s\n", indent(jsonBlock(schema), "  "))
			}
		}
		b.WriteString("\n")
	}

	if len(cfg.AllowedRoutes) > 0 {
		b.WriteString("## Route targets\n\n")
		for _, route := range cfg.AllowedRoutes {
			fmt.Fprintf(b, "- %s", route)
			if desc := cfg.RouteDescriptions[route]; desc != "" {
				fmt.Fprintf(b, ": %s", desc)
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	if (cfg.AllowRespond || cfg.AllowTaskRespond) && cfg.Respond != nil {
		b.WriteString("## Response payload contract\n\n")
		if cfg.Respond.PayloadGuidance != "" {
			b.WriteString(cfg.Respond.PayloadGuidance)
			b.WriteString("\n")
		}
		if cfg.Respond.PayloadSchema != nil {
			fmt.Fprintf(b, "Schema:\n%s\n", jsonBlock(cfg.Respond.PayloadSchema))
		}
		if cfg.Respond.PayloadExample != nil {
			fmt.Fprintf(b, "Example:\n%s\n", jsonBlock(cfg.Respond.PayloadExample))
		}
		b.WriteString("\n")
	}
}

func writeContext(b *strings.Builder, in PromptInput) {
	b.WriteString("## Context\n\n")
	fmt.Fprintf(b, "User message:\n%s\n\n", in.UserMessage)

	if len(in.HandoffContext) > 0 {
		fmt.Fprintf(b, "Handoff context from the previous agent:\n%s\n\n", jsonBlock(in.HandoffContext))
	}

	if len(in.ToolOutputs) > 0 {
		b.WriteString("Tool outputs (most recent first):\n")
		for i := len(in.ToolOutputs) - 1; i >= 0; i-- {
			rec := in.ToolOutputs[i].Record
			fmt.Fprintf(b, "- %s (execution %s):\n%s\n",
				rec.ToolKey, in.ToolOutputs[i].ExecutionID, indent(jsonBlock(rec.Result), "  "))
		}
		b.WriteString("\n")
	}

	if len(in.LogEntries) > 0 {
		b.WriteString("Execution log summary:\n")
		start := len(in.LogEntries) - logSummaryWindow
		if start < 0 {
			start = 0
		}
		for _, entry := range in.LogEntries[start:] {
			b.WriteString("- ")
			b.WriteString(summarizeEntry(entry))
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
}

func summarizeEntry(entry runlog.Entry) string {
	step, _ := entry["step"].(int)
	switch entry["type"] {
	case runlog.TypeAgent:
		action := ""
		if decision, ok := entry["decision"].(map[string]interface{}); ok {
			action, _ = decision["action"].(string)
		}
		return fmt.Sprintf("step %d: agent %v → %s", step, entry["agent_key"], action)
	case runlog.TypeTool:
		return fmt.Sprintf("step %d: tool %v → %v", step, entry["tool_key"], entry["status"])
	case runlog.TypeTaskGroup:
		return fmt.Sprintf("step %d: task_group %v → %v", step, entry["group_id"], entry["status"])
	case runlog.TypeSystem:
		return fmt.Sprintf("system: %v", entry["message"])
	default:
		return fmt.Sprintf("step %d: %v", step, entry["type"])
	}
}

func indent(s, prefix string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = prefix + line
	}
	return strings.Join(lines, "\n")
}
