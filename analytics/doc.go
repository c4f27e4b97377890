// Package analytics records product analytics for authenticated users.
//
// A Sink receives identify and track calls; SegmentSink forwards them to
// Segment and NoopSink drops them. Analytics are only enabled for remote
// deployments with a write key configured.
//
// IdentityResolver maps an upstream access token to the SingleStore user ID
// by calling the management API. Lookups are deduplicated per token and
// cached, so a burst of requests carrying the same token costs one call.
package analytics
