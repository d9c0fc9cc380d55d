// Package tlsutil centralizes TLS settings for personaflow's outbound HTTP
// client, the status server and Redis connections: TLS 1.2 or newer with
// AEAD cipher suites only.
package tlsutil
