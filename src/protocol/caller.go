package protocol

import "context"

// Caller identifies who is calling and which argument defaults apply to their calls.
type Caller struct {
	ID       string         `json:"id,omitempty"`
	Defaults map[string]any `json:"defaults,omitempty"`
}

// Apply returns a copy of args with every default the caller did not already set.
// args itself is never modified.
func (c Caller) Apply(args map[string]any) map[string]any {
	out := make(map[string]any, len(args)+len(c.Defaults))
	for k, v := range args {
		out[k] = v
	}
	for k, v := range c.Defaults {
		if _, ok := out[k]; !ok {
			out[k] = v
		}
	}
	return out
}

// CallerFromParams reads caller_context (an object of defaults) and the legacy
// top-level merchant_id from request params. The id comes from ctx.
func CallerFromParams(ctx context.Context, params map[string]any) Caller {
	c := Caller{ID: CallerID(ctx)}
	if cc, ok := params["caller_context"].(map[string]any); ok && len(cc) > 0 {
		c.Defaults = make(map[string]any, len(cc)+1)
		for k, v := range cc {
			c.Defaults[k] = v
		}
	}
	if mid, ok := params["merchant_id"]; ok && mid != nil {
		if c.Defaults == nil {
			c.Defaults = map[string]any{}
		}
		if _, set := c.Defaults["merchant_id"]; !set {
			c.Defaults["merchant_id"] = mid
		}
	}
	return c
}

type callerKey struct{}

// WithCallerID attaches a caller identity to ctx.
func WithCallerID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, callerKey{}, id)
}

// CallerID returns the identity set by WithCallerID, or "".
func CallerID(ctx context.Context) string {
	id, _ := ctx.Value(callerKey{}).(string)
	return id
}
