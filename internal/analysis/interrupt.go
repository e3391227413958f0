package analysis

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// ExitInterrupted is the exit code after interrupt cleanup.
const ExitInterrupted = 130

// onInterrupt stops the session when the program receives SIGINT or SIGTERM
// and exits afterwards. The returned function removes the handler.
func (s *Session) onInterrupt() func() {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})

	go func() {
		select {
		case sig := <-signals:
			s.logger.Warn("Interrupted, cleaning up", "signal", sig.String())
			ctx, cancel := context.WithTimeout(context.Background(), interruptCleanupTimeout)
			if err := s.Stop(ctx); err != nil {
				s.logger.Error("Cleanup after interrupt failed", "error", err)
			}
			cancel()
			s.opts.Exit(ExitInterrupted)
		case <-done:
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			signal.Stop(signals)
			close(done)
		})
	}
}
