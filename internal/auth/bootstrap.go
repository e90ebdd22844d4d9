package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// BootstrapClient provisions one client from deployment settings. Both id and
// secret empty is a no-op. An existing client keeps its status and refresh
// TTL, so a client an operator disabled stays disabled across restarts.
func BootstrapClient(ctx context.Context, provisioner ClientProvisioner, clientID, secret string, scopes []string) (*ApiClient, error) {
	clientID = strings.TrimSpace(clientID)
	secret = strings.TrimSpace(secret)

	if clientID == "" && secret == "" {
		return nil, nil
	}
	if clientID == "" || secret == "" {
		return nil, errors.New("BOOTSTRAP_CLIENT_ID and BOOTSTRAP_CLIENT_SECRET are required together")
	}

	hash, err := HashClientSecret(secret)
	if err != nil {
		return nil, err
	}

	client, err := provisioner.EnsureClient(ctx, ApiClient{
		ClientID:      clientID,
		SecretHash:    hash,
		AllowedScopes: FilterScopes(scopes),
		Status:        ClientActive,
	})
	if err != nil {
		return nil, fmt.Errorf("upsert bootstrap client: %w", err)
	}
	return client, nil
}
