package middleware

import (
	"net/http"

	"go.uber.org/zap"

	"realtime-sync/pkg/auth"
	apperrors "realtime-sync/pkg/errors"
)

// Authenticate resolves the bearer credential through verifier and stores
// the identity in the request context. Requests without a valid credential
// are answered with 401.
func Authenticate(verifier auth.Verifier, errorHandler *apperrors.ErrorHandler, logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := auth.CredentialFromRequest(r)
			if token == "" {
				errorHandler.Handle(w, r, apperrors.NewUnauthenticatedError("missing authentication token"))
				return
			}

			identity, err := verifier.Verify(r.Context(), token)
			if err != nil {
				logger.Warn("Invalid token",
					zap.Error(err),
					zap.String("path", r.URL.Path),
				)
				if !apperrors.IsUnauthenticated(err) {
					err = apperrors.NewUnauthenticatedError("invalid token").WithCause(err)
				}
				errorHandler.Handle(w, r, err)
				return
			}

			next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), identity)))
		})
	}
}
