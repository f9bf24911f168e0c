package middleware

import (
	"context"
	"net/http"
	"strings"

	"notebook-sync-client/pkg/jwt"
	"notebook-sync-client/pkg/response"
)

type contextKey string

const SubjectKey contextKey = "subject"

// AuthMiddleware requires a bridge token signed with jwtSecret. Browsers
// cannot set headers on a websocket upgrade, so a token query parameter is
// accepted as well.
func AuthMiddleware(jwtSecret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			token := r.URL.Query().Get("token")
			if token == "" {
				authHeader := r.Header.Get("Authorization")
				if authHeader == "" {
					response.Unauthorized(w, "Missing authorization header")
					return
				}

				parts := strings.Split(authHeader, " ")
				if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
					response.Unauthorized(w, "Invalid authorization header format")
					return
				}
				token = parts[1]
			}

			claims, err := jwt.ValidateToken(token, jwtSecret)
			if err != nil {
				response.Unauthorized(w, "Invalid or expired token")
				return
			}
			// notebook-scoped tokens are for the execution service
			if claims.NotebookID != "" {
				response.Unauthorized(w, "Token is not valid for the bridge")
				return
			}

			ctx := context.WithValue(r.Context(), SubjectKey, claims.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func GetSubject(r *http.Request) string {
	subject, ok := r.Context().Value(SubjectKey).(string)
	if !ok {
		return ""
	}
	return subject
}
