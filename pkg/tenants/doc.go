// Package tenants manages accounts and their subscriptions.
package tenants
