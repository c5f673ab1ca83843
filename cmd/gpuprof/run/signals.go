package run

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	sd "github.com/coreos/go-systemd/v22/daemon"
	"golang.org/x/sys/unix"

	"github.com/leptonai/gpuprof/pkg/log"
)

var handledSignals = []os.Signal{
	unix.SIGTERM,
	unix.SIGINT,
	unix.SIGUSR1,
	unix.SIGPIPE,
}

// handleSignals cancels ctx on the first terminating signal and closes
// the returned channel once it did.
func handleSignals(ctx context.Context, cancel context.CancelFunc, signals chan os.Signal) chan struct{} {
	done := make(chan struct{}, 1)
	go func() {
		for {
			select {
			case <-ctx.Done():
				close(done)
				return
			case s := <-signals:
				// no log on SIGPIPE, a closed observer socket can produce a burst
				if s == unix.SIGPIPE {
					continue
				}

				log.Logger.Debugf("received signal: %v", s)
				switch s {
				case unix.SIGUSR1:
					dumpStacks(true)
				default:
					if err := notifyStopping(); err != nil {
						log.Logger.Errorw("notify stopping failed", "error", err)
					}
					cancel()
					close(done)
					return
				}
			}
		}
	}()
	return done
}

func notifyReady() error {
	return sdNotify(sd.SdNotifyReady)
}

func notifyStopping() error {
	return sdNotify(sd.SdNotifyStopping)
}

// sdNotify is a no-op outside systemd (NOTIFY_SOCKET unset).
func sdNotify(state string) error {
	notified, err := sd.SdNotify(false, state)
	log.Logger.Debugf("sd notification: %v %v %v", state, notified, err)
	return err
}

func dumpStacks(writeToFile bool) {
	var (
		buf       []byte
		stackSize int
	)
	bufferLen := 16384
	for stackSize == len(buf) {
		buf = make([]byte, bufferLen)
		stackSize = runtime.Stack(buf, true)
		bufferLen *= 2
	}
	buf = buf[:stackSize]
	log.Logger.Debugf("=== BEGIN goroutine stack dump ===\n%s\n=== END goroutine stack dump ===", buf)

	if writeToFile {
		name := filepath.Join(os.TempDir(), fmt.Sprintf("gpuprof.%d.stacks.log", os.Getpid()))
		f, err := os.Create(name)
		if err != nil {
			return
		}
		defer f.Close()
		_, _ = f.WriteString(string(buf))
		log.Logger.Debugf("goroutine stack dump written to %s", name)
	}
}
