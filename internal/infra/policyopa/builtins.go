package policyopa

// allowedBuiltins keeps payment policies free of network, time and
// randomness builtins so evaluation stays deterministic.
var allowedBuiltins = map[string]struct{}{
	"abs":        {},
	"concat":     {},
	"contains":   {},
	"count":      {},
	"endswith":   {},
	"format_int": {},
	"lower":      {},
	"max":        {},
	"min":        {},
	"object.get": {},
	"sprintf":    {},
	"startswith": {},
	"sum":        {},
	"to_number":  {},
	"trim":       {},
	"upper":      {},
}
