package service

import (
	"context"
	"fmt"

	"docsync-server/internal/domain"
	"docsync-server/pkg/jwt"
)

// Grant is the result of a successful admission check: who the
// connection belongs to and what it may do on the requested document.
type Grant struct {
	UserID string
	Role   domain.Role
}

// AuthGateway verifies a connection credential against one document.
// The hub never decides trust itself; it only enforces the returned
// role. Denied results must surface ErrDenied so no session is ever
// constructed for them.
type AuthGateway interface {
	Authenticate(ctx context.Context, credential, documentID string) (*Grant, error)
}

// JWTAuthGateway resolves grants from signed tokens issued by the
// permission service. The token's doc_roles claim maps document ids to
// roles; a "*" entry applies to every document.
type JWTAuthGateway struct {
	secret string
}

func NewJWTAuthGateway(secret string) *JWTAuthGateway {
	return &JWTAuthGateway{secret: secret}
}

func (g *JWTAuthGateway) Authenticate(ctx context.Context, credential, documentID string) (*Grant, error) {
	if credential == "" {
		return nil, fmt.Errorf("%w: missing credential", ErrDenied)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	claims, err := jwt.ValidateToken(credential, g.secret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDenied, err)
	}

	roleName, ok := claims.DocRoles[documentID]
	if !ok {
		roleName, ok = claims.DocRoles["*"]
	}
	if !ok {
		return nil, fmt.Errorf("%w: no grant for document %s", ErrForbidden, documentID)
	}

	role := domain.Role(roleName)
	if !role.Valid() {
		return nil, fmt.Errorf("%w: unknown role %q", ErrForbidden, roleName)
	}

	return &Grant{UserID: claims.UserID, Role: role}, nil
}
