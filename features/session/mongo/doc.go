// Package mongo provides the MongoDB-backed persistent session tier. Build
// the low-level client via features/session/mongo/clients/mongo and pass it
// to NewStore; the result plugs into session.NewStore as the durable tier
// under the Redis hot tier.
package mongo
