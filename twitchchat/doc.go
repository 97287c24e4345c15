// Package twitchchat delivers tracker events to Twitch chat over IRC.
//
// IRC has no message ids and no edits, so the surface hands out synthetic ids
// and posts an edited status card as a new line. Delete is a no-op.
//
// Credentials: the IRC client requires a bot username and an OAuth token with
// chat:read/chat:edit scopes (TWITCH_BOT_USERNAME, TWITCH_OAUTH_TOKEN). An app
// access token from twitchapi cannot be used here.
package twitchchat
