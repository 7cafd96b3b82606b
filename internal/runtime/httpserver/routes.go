package httpserver

import (
	"fmt"
	"net/http"
	"strings"
)

// HandlerFunc serves one route. A returned error is written as the response
// unless the handler already wrote one.
type HandlerFunc func(*Context) error

// Route binds a verb and a path, relative to its group prefix, to a handler.
type Route struct {
	Verb    string
	Path    string
	Handler HandlerFunc
}

// RouteGroup is a set of routes sharing a path prefix.
type RouteGroup struct {
	Prefix string
	Routes []Route
}

// Group builds a RouteGroup.
func Group(prefix string, routes ...Route) RouteGroup {
	return RouteGroup{Prefix: prefix, Routes: routes}
}

func GET(path string, h HandlerFunc) Route { return Route{Verb: http.MethodGet, Path: path, Handler: h} }
func POST(path string, h HandlerFunc) Route { return Route{Verb: http.MethodPost, Path: path, Handler: h} }
func PUT(path string, h HandlerFunc) Route { return Route{Verb: http.MethodPut, Path: path, Handler: h} }
func PATCH(path string, h HandlerFunc) Route { return Route{Verb: http.MethodPatch, Path: path, Handler: h} }
func DELETE(path string, h HandlerFunc) Route { return Route{Verb: http.MethodDelete, Path: path, Handler: h} }

var verbs = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodPost:    true,
	http.MethodPut:     true,
	http.MethodPatch:   true,
	http.MethodDelete:  true,
	http.MethodOptions: true,
}

// Validate reports the first malformed route in the group.
func (g RouteGroup) Validate() error {
	if len(g.Routes) == 0 {
		return fmt.Errorf("route group %q has no routes", g.Prefix)
	}
	for i, r := range g.Routes {
		if !verbs[strings.ToUpper(r.Verb)] {
			return fmt.Errorf("route %d in group %q: unsupported verb %q", i, g.Prefix, r.Verb)
		}
		if r.Handler == nil {
			return fmt.Errorf("route %s %s in group %q has no handler", r.Verb, r.Path, g.Prefix)
		}
	}
	return nil
}

// pattern joins the group prefix and the route path into a chi pattern.
func pattern(prefix, path string) string {
	joined := "/" + strings.Trim(prefix, "/")
	if p := strings.Trim(path, "/"); p != "" {
		if joined == "/" {
			joined = ""
		}
		joined += "/" + p
	}
	return joined
}
