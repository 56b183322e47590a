//go:build windows

package main

import (
	"os"
)

// terminationSignals are the signals that start a graceful drain. Windows
// only delivers os.Interrupt (Ctrl+C); there is no SIGTERM equivalent.
var terminationSignals = []os.Signal{os.Interrupt}
