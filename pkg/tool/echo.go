package tool

import "context"

// ProviderEcho is the provider type of the built-in echo tool.
const ProviderEcho = "builtin:echo"

// Echo returns its inputs unchanged. Useful for wiring tests and as the
// reference implementation of the provider contract.
type Echo struct{}

// NewEcho builds the echo provider.
func NewEcho(Config) (Provider, error) {
	return &Echo{}, nil
}

// Run echoes the invocation back to the caller.
func (e *Echo) Run(_ context.Context, in Input) Output {
	params := in.Params
	if params == nil {
		params = map[string]interface{}{}
	}
	system := in.System
	if system == nil {
		system = map[string]interface{}{}
	}
	metadata := in.Metadata
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	return Output{OK: true, Result: map[string]interface{}{
		"echo":     params,
		"system":   system,
		"metadata": metadata,
	}}
}
