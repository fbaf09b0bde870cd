package auth

import (
	"context"
	"fmt"

	"github.com/supabase-community/supabase-go"

	apperrors "realtime-sync/pkg/errors"
)

type userLookup func(ctx context.Context, token string) (Identity, error)

// SupabaseVerifier validates access tokens by asking Supabase Auth for the
// user they belong to.
type SupabaseVerifier struct {
	lookup userLookup
}

func NewSupabaseVerifier(url, serviceRoleKey string) (*SupabaseVerifier, error) {
	client, err := supabase.NewClient(url, serviceRoleKey, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create supabase client: %w", err)
	}
	return &SupabaseVerifier{
		lookup: func(_ context.Context, token string) (Identity, error) {
			user, err := client.Auth.WithToken(token).GetUser()
			if err != nil {
				return Identity{}, err
			}
			id := Identity{UserID: user.ID.String(), Email: user.Email}
			if name, ok := user.UserMetadata["full_name"].(string); ok {
				id.DisplayName = name
			} else {
				id.DisplayName = user.Email
			}
			return id, nil
		},
	}, nil
}

// Verify implements Verifier.
func (v *SupabaseVerifier) Verify(ctx context.Context, credential string) (Identity, error) {
	if credential == "" {
		return Identity{}, apperrors.NewUnauthenticatedError(ErrMissingToken.Error())
	}
	id, err := v.lookup(ctx, credential)
	if err != nil {
		return Identity{}, apperrors.NewUnauthenticatedError("invalid token").WithCause(err)
	}
	if id.UserID == "" {
		return Identity{}, apperrors.NewUnauthenticatedError(ErrInvalidClaims.Error())
	}
	return id, nil
}
