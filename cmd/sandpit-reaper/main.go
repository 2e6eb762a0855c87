// Command sandpit-reaper is the companion container that removes the
// resources of a test session once its client process is gone.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
