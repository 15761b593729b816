// Command snifflerd is the sniffler intercepting developer proxy: a
// CLI for registering listeners, inspecting captured operations, and
// managing mocks, plus a `serve` sub-command that runs the listeners
// as a long-lived daemon.
package main

func main() {
	Execute()
}
