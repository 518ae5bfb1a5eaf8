/*
Package chanq documents the chanq module.

This module is CLI-first and ships the chanq command:

	go install github.com/nuetzliches/chanq/cmd/chanq@latest

The queue engine lives in internal/queue and is not a stable public Go API.
*/
package chanq
