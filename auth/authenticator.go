package auth

import (
	"context"
	"log/slog"
	"time"

	"github.com/tmolnar/smsbridge/registry"
)

// TokenVerifier resolves an identity-provider token to a user id. The
// concrete implementation lives at the edge (see the fcm package); the core
// only consumes the verified identity.
type TokenVerifier interface {
	VerifyToken(ctx context.Context, token string) (userID string, err error)
}

// Authenticator decides whether a connecting client's credentials are valid.
// Implementations must fail closed: any internal error during verification
// is "not authenticated", never propagated as success.
type Authenticator interface {
	Authenticate(ctx context.Context, clientID, username, secret string) bool
}

// TokenAuthenticator verifies the presented secret as an identity-provider
// token and accepts the connection only when the resolved user owns the
// device the client claims to be.
type TokenAuthenticator struct {
	verifier TokenVerifier
	devices  registry.Store
	timeout  time.Duration
}

func NewTokenAuthenticator(verifier TokenVerifier, devices registry.Store, timeout time.Duration) *TokenAuthenticator {
	return &TokenAuthenticator{verifier: verifier, devices: devices, timeout: timeout}
}

func (a *TokenAuthenticator) Authenticate(ctx context.Context, clientID, username, secret string) bool {
	if username == "" || secret == "" {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	userID, err := a.verifier.VerifyToken(ctx, secret)
	if err != nil {
		slog.Warn("Token verification failed", "clientId", clientID, "error", err.Error())
		return false
	}

	dev, err := a.devices.GetDevice(ctx, clientID)
	if err != nil {
		slog.Warn("Device lookup failed during authentication", "clientId", clientID, "error", err.Error())
		return false
	}

	return dev.OwnerUserID == userID
}

// AllowAllAuthenticator authenticates unconditionally. It exists for local
// development only and is a distinct type so a production assembly cannot
// pick it up by accident.
type AllowAllAuthenticator struct{}

func (AllowAllAuthenticator) Authenticate(ctx context.Context, clientID, username, secret string) bool {
	return true
}

// StaticVerifier resolves every token to a fixed user id. Development
// counterpart of the real identity provider.
type StaticVerifier struct {
	UserID string
}

func (v StaticVerifier) VerifyToken(ctx context.Context, token string) (string, error) {
	return v.UserID, nil
}
