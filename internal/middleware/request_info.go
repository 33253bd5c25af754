package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/labstack/echo/v4"
)

// Sentinels used when the transport did not supply a method or path.
const (
	unknownMethod = "Unknown method"
	unknownURL    = "Unknown URL"
)

// RequestInfo is the transport-level description of a request. Empty
// fields were not available.
type RequestInfo struct {
	ContentType   string
	Host          string
	Protocol      string
	QueryString   string
	RawURI        string
	RemoteAddress string
	RemotePort    string
	ClientIP      string
	Method        string
	ServerName    string
	ServerPort    string
	ServerVersion string
	UserAgent     string
	Path          string
}

// newRequestInfo reads what it can from c. It never fails.
func newRequestInfo(c echo.Context) RequestInfo {
	info := RequestInfo{
		Method:        unknownMethod,
		Path:          unknownURL,
		ServerVersion: "echo/" + echo.Version,
	}

	req := c.Request()
	if req == nil {
		return info
	}

	if req.Method != "" {
		info.Method = req.Method
	}
	if req.URL != nil {
		if req.URL.Path != "" {
			info.Path = req.URL.Path
		}
		info.QueryString = req.URL.RawQuery
		info.RawURI = req.URL.RequestURI()
	}
	if req.RequestURI != "" {
		info.RawURI = req.RequestURI
	}

	info.ContentType = req.Header.Get(echo.HeaderContentType)
	info.UserAgent = req.UserAgent()
	info.Host = req.Host
	info.Protocol = req.Proto
	info.RemoteAddress, info.RemotePort = splitHostPort(req.RemoteAddr)
	info.ClientIP = c.RealIP()

	if addr, ok := req.Context().Value(http.LocalAddrContextKey).(net.Addr); ok {
		info.ServerName, info.ServerPort = splitHostPort(addr.String())
	} else {
		info.ServerName, info.ServerPort = splitHostPort(req.Host)
	}

	return info
}

// attrs renders the request fields. Absent optional fields are left out.
func (i RequestInfo) attrs() []slog.Attr {
	out := []slog.Attr{
		slog.String("request_method", i.Method),
		slog.String("uri", i.Path),
	}
	out = appendOptional(out, "content_type", i.ContentType)
	out = appendOptional(out, "http_host", i.Host)
	out = appendOptional(out, "protocol", i.Protocol)
	out = appendOptional(out, "query_string", i.QueryString)
	out = appendOptional(out, "raw_uri", i.RawURI)
	out = appendOptional(out, "remote_address", i.RemoteAddress)
	out = appendOptional(out, "remote_port", i.RemotePort)
	out = appendOptional(out, "client_ip", i.ClientIP)
	out = appendOptional(out, "server_name", i.ServerName)
	out = appendOptional(out, "server_port", i.ServerPort)
	out = appendOptional(out, "server_version", i.ServerVersion)
	out = appendOptional(out, "user_agent", i.UserAgent)
	return out
}

// RouteInfo describes the route that matched a request.
type RouteInfo struct {
	// AppNames holds the package of the handler, e.g. "library".
	AppNames []string
	// Namespaces comes from a "namespace:name" route name.
	Namespaces []string
	// Handler is the fully qualified name of the route's handler func.
	Handler string
	// Route is the registered path pattern, e.g. "/library/books/:id".
	Route string
	// URLName is the name part of a "namespace:name" route name.
	URLName string
}

// RouteNames holds what request logs report about each route, resolved
// once when the route is registered. Each Echo instance needs its own.
type RouteNames struct {
	mu     sync.RWMutex
	routes map[string]RouteInfo
}

// NewRouteNames returns an empty set of route names.
func NewRouteNames() *RouteNames {
	return &RouteNames{routes: map[string]RouteInfo{}}
}

// Name names r in the "namespace:name" form and remembers which handler
// serves it. An empty name keeps echo's default. echo's default name is the
// handler, and c.Handler() only returns echo's middleware wrapper, so the
// handler has to be captured here.
func (n *RouteNames) Name(r *echo.Route, name string) *echo.Route {
	info := RouteInfo{Route: r.Path, Handler: r.Name}
	if name != "" {
		r.Name = name
		info.URLName = name
		if i := strings.LastIndex(name, ":"); i >= 0 {
			info.Namespaces = strings.Split(name[:i], ":")
			info.URLName = name[i+1:]
		}
	}
	if pkg := packageName(info.Handler); pkg != "" {
		info.AppNames = []string{pkg}
	}

	n.mu.Lock()
	n.routes[routeKey(r.Method, r.Path)] = info
	n.mu.Unlock()
	return r
}

func (n *RouteNames) lookup(method, path string) (RouteInfo, bool) {
	if n == nil {
		return RouteInfo{}, false
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	info, ok := n.routes[routeKey(method, path)]
	return info, ok
}

func routeKey(method, path string) string { return method + " " + path }

// newRouteInfo returns the matched route, or false when routing did not
// match anything. Routes that were never named report only their pattern.
func newRouteInfo(c echo.Context, names *RouteNames) (RouteInfo, bool) {
	path := c.Path()
	if path == "" || c.Request() == nil {
		return RouteInfo{}, false
	}
	if info, ok := names.lookup(c.Request().Method, path); ok {
		return info, true
	}
	return RouteInfo{Route: path}, true
}

func (r RouteInfo) attrs() []slog.Attr {
	out := []slog.Attr{slog.String("route", r.Route)}
	if len(r.AppNames) > 0 {
		out = append(out, slog.Any("app_names", r.AppNames))
	}
	if len(r.Namespaces) > 0 {
		out = append(out, slog.Any("namespaces", r.Namespaces))
	}
	out = appendOptional(out, "resolver_function", r.Handler)
	out = appendOptional(out, "url_name", r.URLName)
	return out
}

// packageName extracts "library" from
// "github.com/keyxmakerx/stacks/internal/plugins/library.(*Handler).ListBooks-fm".
func packageName(fn string) string {
	if fn == "" {
		return ""
	}
	last := fn
	if i := strings.LastIndex(fn, "/"); i >= 0 {
		last = fn[i+1:]
	}
	pkg, _, ok := strings.Cut(last, ".")
	if !ok {
		return ""
	}
	return pkg
}

func splitHostPort(addr string) (host, port string) {
	if addr == "" {
		return "", ""
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, ""
	}
	return host, port
}

func appendOptional(attrs []slog.Attr, key, value string) []slog.Attr {
	if value == "" {
		return attrs
	}
	return append(attrs, slog.String(key, value))
}
