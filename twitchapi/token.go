package twitchapi

import (
	"context"
	"errors"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// DefaultTokenURL is the Twitch OAuth token endpoint.
const DefaultTokenURL = "https://id.twitch.tv/oauth2/token"

// NewAppTokenSource returns a cached Twitch app access (client credentials) token source.
// NOTE: This token CANNOT be used for IRC chat; chat requires a user (bot) OAuth token with chat:read/chat:edit scopes.
func NewAppTokenSource(ctx context.Context, clientID, clientSecret, tokenURL string) (oauth2.TokenSource, error) {
	if clientID == "" || clientSecret == "" {
		return nil, errors.New("missing client id/secret for twitch app token")
	}
	if tokenURL == "" {
		tokenURL = DefaultTokenURL
	}
	cc := &clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     tokenURL,
		// Twitch reads the credentials from the form body.
		AuthStyle: oauth2.AuthStyleInParams,
	}
	return cc.TokenSource(ctx), nil
}
