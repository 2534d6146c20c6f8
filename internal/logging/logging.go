// Package logging provides the edge server's process-wide log conventions:
// one prefixed logger per component, in the vein of piccolod's plain
// "INFO:"/"WARN:"/"ERROR:" log.Printf lines.
package logging

import (
	"log"
	"os"
)

// Component returns a *log.Logger whose output is tagged with name so
// messages from different subsystems can be told apart in a single process
// log stream without pulling in a structured logging library.
func Component(name string) *log.Logger {
	return log.New(os.Stderr, "["+name+"] ", log.LstdFlags|log.Lmicroseconds)
}
