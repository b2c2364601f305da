/*
Package server manages the HTTP server lifecycle: non-blocking start,
graceful shutdown, and SIGINT/SIGTERM handling.

Manager wraps net/http.Server with a listener, an asynchronous error
channel, and Start/StartTLS/Shutdown/WaitForShutdown methods suitable
for production stop sequences.
*/
package server
