package sync

import "os"

// notifyTrigger is a no-op since Windows has no SIGUSR1.
func notifyTrigger(chan<- os.Signal) {}
