package agent

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// watchSignals wires the four signals section 4.6 recognizes. SIGTERM and
// SIGINT stop immediately: GOODBYE then exit(0), bypassing the StopFlag
// entirely since there is no "current command" to let finish gracefully
// from a signal handler's point of view (the main loop's own dispatch
// isn't interrupted by this goroutine; the process just exits once GOODBYE
// is away). SIGUSR1/SIGHUP only set the StopFlag: the main loop observes it
// at the next iteration boundary and unwinds through Agent.Run's own
// GOODBYE/restart path instead.
func (a *Agent) watchSignals(ctx context.Context) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGUSR1, syscall.SIGHUP)

	go func() {
		for {
			select {
			case <-ctx.Done():
				signal.Stop(sigCh)
				return
			case sig := <-sigCh:
				switch sig {
				case syscall.SIGTERM, syscall.SIGINT:
					signal.Stop(sigCh)
					a.logger.Info("received signal, stopping immediately", "signal", sig.String())
					a.goodbye(context.Background())
					os.Exit(0)
				case syscall.SIGUSR1:
					a.logger.Info("received SIGUSR1, exiting after current command")
					a.stop.RequestExit()
				case syscall.SIGHUP:
					a.logger.Info("received SIGHUP, restarting after current command")
					a.stop.RequestRestart()
				}
			}
		}
	}()
}
