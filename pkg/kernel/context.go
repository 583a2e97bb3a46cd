package kernel

import (
	"context"
	"strings"
)

// Well-known scopes.
const (
	ScopeAll          = "*"
	ScopeAdmin        = "admin:*"
	ScopeJobsSubmit   = "jobs:submit"
	ScopeJobsRead     = "jobs:read"
	ScopeJobsCancel   = "jobs:cancel"
	ScopePriorityHigh = "priority:high"
)

// ClientContext is the authenticated identity attached to every inbound request.
type ClientContext struct {
	ClientID ClientID `json:"client_id"`
	Scopes   []string `json:"scopes"`
}

// IsValid reports whether the context carries a client id.
func (cc *ClientContext) IsValid() bool {
	return cc != nil && !cc.ClientID.IsEmpty()
}

// HasScope reports whether the context grants scope. "x:*" grants every "x:..." scope
// and "*" grants everything.
func (cc *ClientContext) HasScope(scope string) bool {
	if cc == nil {
		return false
	}
	return ScopeGranted(cc.Scopes, scope)
}

// IsAdmin reports whether the client may act on other clients' jobs.
func (cc *ClientContext) IsAdmin() bool {
	return cc.HasScope(ScopeAll) || cc.HasScope(ScopeAdmin)
}

// ScopeGranted matches scope against a list of granted scopes with wildcard support.
func ScopeGranted(granted []string, scope string) bool {
	for _, s := range granted {
		if s == scope || s == ScopeAll {
			return true
		}
		if prefix, ok := strings.CutSuffix(s, ":*"); ok && prefix != "" {
			if strings.HasPrefix(scope, prefix+":") && len(scope) > len(prefix)+1 {
				return true
			}
		}
	}
	return false
}

type ContextKey string

const (
	// ClientContextKey stores *ClientContext in a context.Context
	ClientContextKey ContextKey = "client_context"

	// RequestIDKey stores the inbound request id
	RequestIDKey ContextKey = "request_id"
)

// WithClient returns a copy of ctx carrying cc.
func WithClient(ctx context.Context, cc *ClientContext) context.Context {
	return context.WithValue(ctx, ClientContextKey, cc)
}

// ClientFrom extracts the ClientContext stored by WithClient.
func ClientFrom(ctx context.Context) (*ClientContext, bool) {
	cc, ok := ctx.Value(ClientContextKey).(*ClientContext)
	return cc, ok && cc != nil
}
