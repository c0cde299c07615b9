package source

import (
	"context"
	"strings"
)

// Router dispatches Open calls by handle prefix, falling back to Default.
type Router struct {
	routes  []route
	Default Opener
}

type route struct {
	prefix string
	opener Opener
}

// Handle registers opener for handles starting with prefix. Longer prefixes
// win over shorter ones.
func (r *Router) Handle(prefix string, opener Opener) {
	r.routes = append(r.routes, route{prefix: prefix, opener: opener})
	for i := len(r.routes) - 1; i > 0 && len(r.routes[i].prefix) > len(r.routes[i-1].prefix); i-- {
		r.routes[i], r.routes[i-1] = r.routes[i-1], r.routes[i]
	}
}

func (r *Router) Open(ctx context.Context, id string) (Source, error) {
	for _, rt := range r.routes {
		if strings.HasPrefix(id, rt.prefix) {
			return rt.opener.Open(ctx, id)
		}
	}
	if r.Default == nil {
		return nil, &ConnectError{ID: id, Err: errNoRoute}
	}
	return r.Default.Open(ctx, id)
}
