package gateway

import "net/http"

// HTTPHandler is implemented by gateways that expose routes on a shared mux.
// prefix is prepended to every route and may be empty.
type HTTPHandler interface {
	RegisterHTTPHandlers(prefix string, mux *http.ServeMux)
}
