// Command admitd is a rate limit admission service.
//
// Each route in the configuration file is a named limit. Proxies and gateways
// ask admitd whether a request may proceed by forwarding it to /check/{route};
// admitd answers 200 when it is admitted and 429 with Retry-After when the
// caller is over quota. Services that already know the caller can POST to
// /v1/evaluate instead.
//
// Usage:
//
//	# Start the service
//	admitd serve --config admit.yaml
//
//	# Evaluate one request against a route and print the decision
//	admitd check --config admit.yaml --route orders --caller 10.0.0.1
//
//	# Show version information
//	admitd version
package main

func main() {
	Execute()
}
