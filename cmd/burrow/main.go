// Burrow is a caching HTTP proxy.
//
// It serves HTTP clients as a forward proxy for absolute request URIs, as
// a reverse proxy for path-only URIs when targets are configured, and
// tunnels CONNECT requests. Responses are kept in a disk cache and
// revalidated with the origin server once they expire.
//
// Usage:
//
//	# Start the proxy with the default configuration
//	burrow run
//
//	# Start with a configuration file
//	burrow run --config /etc/burrow/burrow.yaml
//
//	# Show the cache contents summary
//	burrow cache stats --config /etc/burrow/burrow.yaml
//
//	# Print an example configuration
//	burrow config example
package main

func main() {
	Execute()
}
