package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func boolPtr(v bool) *bool { return &v }

func intPtr(v int) *int { return &v }

func validGraph() *CompiledGraph {
	return &CompiledGraph{
		DefaultAgentKey: "triage",
		Agents: []CompiledAgent{
			{Key: "triage", AllowedRoutes: []string{"writer"}},
			{Key: "writer", AllowRespond: true, EquippedTools: []string{"echo"}},
		},
		Tools: []CompiledTool{
			{Key: "echo", ProviderType: "builtin:echo"},
		},
	}
}

func TestValidateAcceptsWellFormedGraph(t *testing.T) {
	require.NoError(t, validGraph().Validate())
}

func TestValidateRejectsDuplicateAgentKeys(t *testing.T) {
	g := validGraph()
	g.Agents = append(g.Agents, CompiledAgent{Key: "TRIAGE"})
	err := g.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate agent key")
}

func TestValidateRejectsDuplicateToolKeys(t *testing.T) {
	g := validGraph()
	g.Tools = append(g.Tools, CompiledTool{Key: "Echo", ProviderType: "builtin:echo"})
	err := g.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate tool key")
}

func TestValidateRejectsSelfRoute(t *testing.T) {
	g := validGraph()
	g.Agents[0].AllowedRoutes = []string{"Triage"}
	err := g.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "routes to itself")
}

func TestValidateRejectsUnknownRouteTarget(t *testing.T) {
	g := validGraph()
	g.Agents[0].AllowedRoutes = []string{"ghost"}
	err := g.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown agent")
}

func TestValidateRejectsMissingDefaultAgent(t *testing.T) {
	g := validGraph()
	g.DefaultAgentKey = "nobody"
	err := g.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "default agent")
}

func TestAgentLookupIsCaseInsensitive(t *testing.T) {
	g := validGraph()

	agent, ok := g.AgentByKey("  WRITER ")
	require.True(t, ok)
	assert.Equal(t, "writer", agent.Key)

	_, ok = g.AgentByKey("missing")
	assert.False(t, ok)
}

func TestToolLookupIsCaseInsensitive(t *testing.T) {
	g := validGraph()

	tool, ok := g.ToolByKey("ECHO")
	require.True(t, ok)
	assert.Equal(t, "echo", tool.Key)
}

func TestTaskFlagsFallBackToMetadata(t *testing.T) {
	agent := CompiledAgent{Key: "a", Metadata: map[string]interface{}{"allow_task_group": true}}
	assert.True(t, agent.TaskGroupAllowed())
	assert.False(t, agent.TaskRespondAllowed())

	explicit := CompiledAgent{Key: "b", AllowTaskGroup: boolPtr(false), Metadata: map[string]interface{}{"allow_task_group": true}}
	assert.False(t, explicit.TaskGroupAllowed())
}

func TestBasePromptCombinesDescriptionAndPrompt(t *testing.T) {
	agent := CompiledAgent{Key: "a", Description: "Handles billing questions.", Prompt: "Always be polite."}
	assert.Equal(t, "Handles billing questions.\n\nAlways be polite.", agent.BasePrompt())

	empty := CompiledAgent{Key: "b"}
	assert.Equal(t, "", empty.BasePrompt())
}

func TestParseRejectsInvalidSnapshot(t *testing.T) {
	_, err := Parse([]byte(`{"agents":[{"key":"a","allowed_routes":["a"]}],"tools":[]}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid snapshot")

	_, err = Parse([]byte(`{"agents":[]}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no agents")
}

func TestParseDecodesPolicyBlocks(t *testing.T) {
	raw := []byte(`{
		"version_id": 7,
		"default_agent_key": "solo",
		"agents": [{"key": "solo", "allow_respond": true, "equipped_tools": ["echo"]}],
		"tools": [{"key": "echo", "provider_type": "builtin:echo",
			"params_schema": {"message": {"source": "agent", "required": true}}}],
		"respond": {"payload_guidance": "Answer briefly."},
		"execution_log": {
			"defaults": {"request_max_chars": 120, "response_max_chars": 200},
			"tools": {"echo": {"response": [{"path": "echo.message", "label": "msg"}]}}
		}
	}`)

	g, err := Parse(raw)
	require.NoError(t, err)
	require.NotNil(t, g.VersionID)
	assert.Equal(t, int64(7), *g.VersionID)
	assert.Equal(t, "Answer briefly.", g.Respond.PayloadGuidance)

	tool, ok := g.ToolByKey("echo")
	require.True(t, ok)
	assert.True(t, tool.ParamsSchema["message"].Required)
	assert.Equal(t, SourceAgent, tool.ParamsSchema["message"].EffectiveSource())

	require.NotNil(t, g.ExecutionLog)
	assert.Equal(t, 120, g.ExecutionLog.RequestLimit("echo"))
	rule := g.ExecutionLog.ToolRule("echo")
	require.NotNil(t, rule)
	assert.Equal(t, "msg", rule.Response[0].Label)
}

func TestPolicyLimitsFallBackToBuiltins(t *testing.T) {
	var nilPolicy *ExecutionLogPolicy
	assert.Equal(t, DefaultRequestPreviewLimit, nilPolicy.RequestLimit("echo"))
	assert.Equal(t, DefaultResponsePreviewLimit, nilPolicy.ResponseLimit("echo"))

	policy := &ExecutionLogPolicy{
		Tools: map[string]LogToolRule{
			"echo": {RequestMaxChars: intPtr(10)},
		},
	}
	assert.Equal(t, 10, policy.RequestLimit("echo"))
	assert.Equal(t, DefaultResponsePreviewLimit, policy.ResponseLimit("echo"))
}
