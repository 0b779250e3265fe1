// Package tiers holds the tier policy table and applies tier changes.
//
// The table maps each tier to its subscription limits, feature flags and
// per-instance compute resources. A tier change rewrites the subscription's
// limits and cascades the new resources onto every instance that has not
// been deprovisioned, inside one transaction.
package tiers
