// Package identity holds the authenticated principal model shared by the
// HTTP and websocket layers: roles, the bound Identity, and the sentinel
// error kinds every service maps its failures onto.
package identity
