// Package httpmw holds the HTTP middleware shared by the public and admin
// servers: request IDs, client IP resolution, access logging, panic
// recovery, and otel route annotation.
package httpmw
