package server

import (
	"net/http"
	"strings"
)

// RouteHandler is a function type for HTTP handlers
type RouteHandler func(http.ResponseWriter, *http.Request)

// MethodRouter maps HTTP methods to handlers
type MethodRouter map[string]RouteHandler

// RouteByMethod routes requests based on HTTP method with standardized error handling
func RouteByMethod(w http.ResponseWriter, r *http.Request, routes MethodRouter) {
	handler, ok := routes[r.Method]
	if !ok {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	handler(w, r)
}

// RouteResourceCollection handles the list + create pattern
// GET -> list, POST -> create
func RouteResourceCollection(w http.ResponseWriter, r *http.Request, list, create RouteHandler) {
	routes := make(MethodRouter)
	if list != nil {
		routes[http.MethodGet] = list
	}
	if create != nil {
		routes[http.MethodPost] = create
	}
	RouteByMethod(w, r, routes)
}

// PathSuffixRouter routes a method + path suffix to a handler
type PathSuffixRouter struct {
	Method  string
	Suffix  string
	Handler RouteHandler
}

// RouteByPathSuffix routes requests based on the path after prefix.
// Returns true if a route was matched and handled.
func RouteByPathSuffix(w http.ResponseWriter, r *http.Request, prefix string, routes []PathSuffixRouter) bool {
	path := r.URL.Path
	if len(path) <= len(prefix) {
		return false
	}

	pathSuffix := path[len(prefix):]
	for _, route := range routes {
		if !strings.HasSuffix(pathSuffix, route.Suffix) {
			continue
		}
		if route.Method != "" && r.Method != route.Method {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return true
		}
		route.Handler(w, r)
		return true
	}
	return false
}
