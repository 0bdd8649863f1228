//go:build js && wasm

package lockfile

import "os"

// WASM has no file locking and is single-process; every lock operation
// is a no-op that always succeeds.

func flockExclusive(_ *os.File) error { return nil }

// FlockExclusiveBlocking acquires an exclusive lock, waiting until it is
// available.
func FlockExclusiveBlocking(_ *os.File) error { return nil }

// FlockUnlock releases a lock on the file.
func FlockUnlock(_ *os.File) error { return nil }
