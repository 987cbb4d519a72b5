package http

import (
	"net/http"

	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/artpar/apifactory/core/failure"
)

// Documentation routes mounted when Settings.Docs is set.
const (
	DocsPath    = "/.well-known/openapi.json"
	SwaggerPath = "/swagger/*"
)

func mountDocs(l *Listeners, addr string, source []byte) error {
	if !l.Claim(addr, http.MethodGet, DocsPath) || !l.Claim(addr, http.MethodGet, SwaggerPath) {
		return failure.Configuration("documentation routes on %s collide with an operation", addr)
	}

	r := l.Router(addr)
	r.Get(DocsPath, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		_, _ = w.Write(source)
	})
	r.Get(SwaggerPath, httpSwagger.Handler(
		httpSwagger.URL(DocsPath),
	))
	return nil
}
