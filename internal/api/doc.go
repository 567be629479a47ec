// Package api hosts the master's HTTP server, middleware and handlers.
// Notable routes:
//   - GET /handshake and /register/{secret} open a session.
//   - GET /queries/, /source/ and POST /output/, /complete_source/{id}
//     require the X-Access-Key header of a live session.
//   - GET /healthz for probes and /metrics for Prometheus scraping.
//
// Unknown paths return 404; missing or expired sessions return 401.
// Registration may be throttled per client host, answering 429.
package api
