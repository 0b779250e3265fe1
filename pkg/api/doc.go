// Package api provides the HTTP transport for the control plane.
//
// # Overview
//
// The server is built on gorilla/mux and is a thin layer over
// controlplane.ControlPlane: handlers decode and validate input, call one
// facade operation with the caller from the request context, and map the
// result or error to a status code. Isolation is never decided here.
//
// # Routes
//
//	POST   /v1/usage                              record a message (system)
//	POST   /v1/instances/{id}/storage             record storage (system)
//	POST   /v1/instances/{id}/errors              record an error (system)
//	GET    /v1/instances/{id}/limits              usage against limits
//	GET    /v1/instances/{id}                     instance with computed uptime
//	POST   /v1/instances/{id}/transition          lifecycle transition
//	POST   /v1/instances/{id}/health              health report (system)
//	POST   /v1/subscriptions/{id}/instances       provision
//	GET    /v1/subscriptions/{id}/instances       list instances
//	GET    /v1/subscriptions/{id}                 subscription
//	POST   /v1/subscriptions/{id}/status          status change (admin)
//	POST   /v1/subscriptions/{id}/tier            tier change (admin)
//	POST   /v1/accounts                           create account (admin)
//	GET    /v1/accounts/{id}                      account
//	DELETE /v1/accounts/{id}                      soft delete (admin)
//	POST   /v1/accounts/{id}/suspend              suspend (admin)
//	POST   /v1/accounts/{id}/reactivate           reactivate (admin)
//	POST   /v1/accounts/{id}/subscriptions        create subscription (admin)
//	GET    /v1/accounts/{id}/subscription         active subscription
//	GET    /v1/accounts/{id}/billing-metrics      usage over ?start=&end= (YYYY-MM-DD)
//	GET    /v1/audit                              audit search, scoped to the caller
//	POST   /webhooks/stripe                       billing provider events
//
// /v1 routes require the identity headers described in pkg/middleware.
// The webhook route is authenticated by its signature instead.
//
// # Webhooks
//
// A delivery is verified, durably recorded, and acknowledged with 202
// before it is applied. Application happens on the webhook worker pool; a
// full queue leaves the event for the reconcile sweep.
//
// # Errors
//
//	store.ErrNotFound                 404
//	store.ErrConflict                 409
//	instances.InvalidTransitionError  409
//	instances.QuotaExceededError      403
//	auth.ErrForbidden                 403
//	store.ErrTransient                503
//	invalid input                     400
package api
