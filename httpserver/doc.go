/*
Package httpserver serves a local history storage directory over HTTP.

# Endpoints

	GET    /api/status          storage state, last recovery, format version and counters
	GET    /api/contents/{id}   raw bytes of a content
	PUT    /api/contents        store the request body, returns {"id":..,"available":..}
	DELETE /api/contents/{id}   purge a content

Content requests answer 404 for purged or unknown ids and 503 once the storage
is broken. Bodies above interfaces.MaxContentLength are rejected with 413.

# Health

	GET /livez     liveness
	GET /readyz    readiness, 503 while draining
	GET /drain     mark not ready
	GET /undrain   mark ready again

Prometheus metrics are served on a separate listener (see MetricsAddr), and
pprof is mounted under /debug when EnablePprof is set.
*/
package httpserver
