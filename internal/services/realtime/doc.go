// Package realtime groups the session coordinator service: durable entity
// storage, the in-memory coordinator that serializes joins, chat, movement
// and disconnects per session, the WebSocket transport and admin API, and
// the optional Redis event feed.
package realtime
