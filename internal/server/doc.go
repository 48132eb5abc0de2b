// Package server hosts the Fiber loopback service that the desktop UI calls to
// resolve, read, export and clear cached media. Handlers translate JSON
// requests into CacheService calls and map failures onto the two-variant
// FetchError shape ({"Network": msg} or {"Other": msg}) plus an HTTP status.
// The shared upstream http.Client also lives here so the CLI and the server
// download through the same transport settings.
package server
