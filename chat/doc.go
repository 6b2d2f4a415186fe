// Package chat turns Twitch IRC traffic into viewer state changes.
//
// It provides these entrypoints:
//   - Bot.Run: connects to Twitch IRC for TWITCH_CHANNEL and feeds every
//     PRIVMSG through Bot.HandleMessage, which queues profile/badge updates
//     and message counters on the changelog and dispatches "!" commands
//     gated by the permission resolver.
//   - StartWatchedJob: on every WATCHED_INTERVAL tick, credits watched time,
//     chat time and interval points to chatters seen within PRESENCE_TTL.
//   - StartStreamPoller: polls Helix for the channel's live status, which
//     decides whether the watched job pays online or offline rates.
//
// Credentials: the IRC client requires a bot username and an OAuth token with
// chat:read/chat:edit scopes. Stream polling needs TWITCH_CLIENT_ID and
// TWITCH_CLIENT_SECRET; without them the channel is treated as offline.
package chat
