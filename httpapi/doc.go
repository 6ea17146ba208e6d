// Package httpapi exposes the execution service over HTTP.
//
// Routes:
//
//	POST /code/execute    run a program, body {code, language, stdin?}
//	GET  /code/languages  supported language ids
//	GET  /healthz         liveness and substrate availability
//	GET  /metrics         Prometheus exposition
//
// Every response carries an X-Request-Id header.
package httpapi
