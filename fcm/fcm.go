// Package fcm adapts Firebase Authentication and Firebase Cloud Messaging
// to the interfaces the core consumes (auth.TokenVerifier, wake.Notifier).
// Nothing outside this package imports the Firebase SDK.
package fcm

import (
	"context"
	"fmt"

	firebase "firebase.google.com/go/v4"
	fbauth "firebase.google.com/go/v4/auth"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"
)

type Client struct {
	auth      *fbauth.Client
	messaging *messaging.Client
}

// New builds a Firebase client. With an empty credentialsFile the SDK falls
// back to application default credentials.
func New(ctx context.Context, credentialsFile string) (*Client, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	app, err := firebase.NewApp(ctx, nil, opts...)
	if err != nil {
		return nil, fmt.Errorf("initializing firebase app: %w", err)
	}

	authClient, err := app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("initializing firebase auth client: %w", err)
	}
	messagingClient, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("initializing firebase messaging client: %w", err)
	}

	return &Client{auth: authClient, messaging: messagingClient}, nil
}

// VerifyToken resolves an ID token to the user id it was issued for.
func (c *Client) VerifyToken(ctx context.Context, token string) (string, error) {
	decoded, err := c.auth.VerifyIDToken(ctx, token)
	if err != nil {
		return "", fmt.Errorf("verifying id token: %w", err)
	}
	return decoded.UID, nil
}

// Notify sends a dataless high-priority message to the token. High priority
// is what lets the wake-up reach a dozing handset.
func (c *Client) Notify(ctx context.Context, token string) error {
	msg := &messaging.Message{
		Token: token,
		Data:  map[string]string{},
		Android: &messaging.AndroidConfig{
			Priority: "high",
		},
	}
	if _, err := c.messaging.Send(ctx, msg); err != nil {
		return fmt.Errorf("sending wake notification: %w", err)
	}
	return nil
}
