package engine

import "fmt"

// Gate rejection kinds. Capability gates reject an action before any side
// effect; parameter-merge gates reject a tool call before the provider is
// invoked.
const (
	GateRespondNotPermitted     = "respond_not_permitted"
	GateTaskRespondNotPermitted = "task_respond_not_permitted"
	GateToolNotPermitted        = "tool_not_permitted"
	GateToolNotConfigured       = "tool_not_configured"
	GateRouteNotPermitted       = "route_not_permitted"
	GateTaskGroupNotPermitted   = "task_group_not_permitted"

	GateSystemParamsNotAllowed    = "system_params_not_allowed"
	GateMissingRequiredParams     = "missing_required_params"
	GateMissingSystemParam        = "missing_system_param"
	GateToolParamsSchemaViolation = "tool_params_schema_violation"
)

// GateError is a rejected instruction: the kind names the rule, the
// message carries the specifics (offending keys, tool name, target).
type GateError struct {
	Kind    string
	Message string
}

func (e *GateError) Error() string {
	if e.Message == "" {
		return e.Kind
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func gateErrorf(kind, format string, args ...interface{}) *GateError {
	return &GateError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}
