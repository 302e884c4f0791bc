package middleware

import (
	"net/http"

	"github.com/rs/cors"
)

// identityHeaders carry the development identity when SKIP_AUTH is set
var identityHeaders = []string{"X-Agent-ID", "X-Agent-Name", "X-Role", "X-Tenant-ID"}

// CORS creates a CORS middleware with the specified allowed origins
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	headers := append([]string{"Accept", "Authorization", "Content-Type", "X-Request-Id"}, identityHeaders...)
	c := cors.New(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   headers,
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	})

	return c.Handler
}
