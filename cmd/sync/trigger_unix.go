//go:build !windows

package sync

import (
	"os"
	"os/signal"
	"syscall"
)

// notifyTrigger relays SIGUSR1, which asks the daemon to sync right away.
func notifyTrigger(c chan<- os.Signal) {
	signal.Notify(c, syscall.SIGUSR1)
}
