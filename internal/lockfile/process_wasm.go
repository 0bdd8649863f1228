//go:build js && wasm

package lockfile

// isProcessRunning always reports false; WASM has no process table.
func isProcessRunning(_ int) bool { return false }
