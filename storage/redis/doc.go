// Package redis provides a go-redis implementation of storage.Store for
// deployments that run several server instances without a SQL database.
//
// Keys have the form <prefix><kind>:<id>, where kind is one of client,
// pending, code, access or refresh. Clients never expire; every other record
// carries a native TTL ending at its ExpiresAt.
package redis
