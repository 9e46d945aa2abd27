// Package mongo wires the audit.Sink interface to MongoDB. Build the
// low-level client via features/audit/mongo/clients/mongo and pass it to
// NewSink; records land in a capped-free collection upserted by turn so
// commit retries never duplicate audit rows.
package mongo
