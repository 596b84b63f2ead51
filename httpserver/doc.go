// Package httpserver implements the daemon's JSON API. It exposes
// identity, attribute, and ticket operations over chi routes together
// with liveness, readiness, and drain endpoints for load balancers.
package httpserver
