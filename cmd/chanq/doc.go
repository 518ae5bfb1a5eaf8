// Command chanq runs the chanq channel-partitioned message queue.
//
// chanq keeps messages in named channels with per-channel size, lease and
// release-rate limits, and hands them out one lease at a time. The run
// command applies channel policies from a YAML file, exposes metrics, and can
// drive a local command as the message handler.
//
// Install:
//
//	go install github.com/nuetzliches/chanq/cmd/chanq@latest
//
// Usage:
//
//	chanq run --config ./chanq.yaml --watch -- ./handle-message.sh
package main
