// Package upstream holds the HTTP clients for the external data providers
// behind the weather, stocks, calendar and news content kinds.
//
// Clients are stateless apart from their configuration. Caching, rate limiting
// and circuit breaking live in package content.
package upstream
