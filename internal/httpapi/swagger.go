package httpapi

import (
	"github.com/go-chi/chi/v5"
	httpSwagger "github.com/swaggo/http-swagger"

	_ "instructune/internal/httpapi/docs"
)

// swaggerEnabled gates the /swagger/* UI; off by default.
var swaggerEnabled bool

// SetSwaggerEnabled toggles mounting of the API docs UI.
func SetSwaggerEnabled(on bool) { swaggerEnabled = on }

// MountSwagger serves the generated API docs under /swagger/ when enabled.
func MountSwagger(r chi.Router) {
	if !swaggerEnabled {
		return
	}
	r.Get("/swagger/*", httpSwagger.Handler(httpSwagger.URL("/swagger/doc.json")))
}
