// Gantry is a load balancer for OpenAI-compatible LLM endpoints.
//
// It fronts a fleet of inference servers (vLLM, Ollama, xLLM, or anything
// speaking the OpenAI API) behind a single OpenAI-compatible address,
// routing each request to the endpoint expected to serve it fastest:
//   - Per-model routing with measured tokens-per-second ranking
//   - Active health checking with automatic failover
//   - Per-endpoint concurrency limits with bounded FIFO queuing
//   - Automatic endpoint flavor detection
//   - Durable endpoint registry and usage statistics in SQLite
//
// Usage:
//
//	# Start with default configuration
//	gantry run
//
//	# Start with a custom configuration file
//	gantry run --config /etc/gantry/gantry.yaml
//
//	# Check a configuration file without starting
//	gantry validate --config gantry.yaml
//
//	# Show version information
//	gantry version
package main

func main() {
	Execute()
}
