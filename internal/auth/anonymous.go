package auth

import (
	"context"
	"fmt"
	"strings"

	"github.com/aristath/folio/internal/domain"
)

// AnonymousVerifier accepts the presented value as the user id.
// Only wired when ALLOW_ANONYMOUS_USER_ID is enabled.
type AnonymousVerifier struct{}

// Verify returns the trimmed token as the user id
func (AnonymousVerifier) Verify(_ context.Context, token string) (string, error) {
	id := strings.TrimSpace(token)
	if id == "" {
		return "", fmt.Errorf("%w: empty user id", domain.ErrUnauthorized)
	}
	return id, nil
}
