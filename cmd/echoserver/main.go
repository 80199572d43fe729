// Command echoserver is a runnable demonstration of an AsyncListener: it
// accepts connections, greets each one, then echoes back whatever it reads,
// logging a metrics snapshot on an interval. It exists to exercise the
// ironpool package end to end; application protocol handling like this has
// no place in the library itself.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ironpool/ironpool"
)

func main() {
	addr := flag.String("addr", ":9000", "address to listen on")
	workers := flag.Int("workers", 4, "number of pool workers")
	localQueue := flag.Int("local-queue", 32, "per-worker local queue capacity")
	maxEvents := flag.Int("max-events", 256, "max epoll events per poll call")
	pollTimeoutMs := flag.Int("poll-timeout-ms", 100, "epoll_wait timeout in milliseconds")
	metricsEvery := flag.Duration("metrics-interval", 5*time.Second, "how often to log a metrics snapshot (0 disables)")
	logLevel := flag.String("log-level", "info", "debug, info, warn, or error")
	flag.Parse()

	logger := ironpool.NewDefaultLogger(parseLevel(*logLevel))

	listener, err := ironpool.New(*addr, *maxEvents, *workers, *localQueue,
		ironpool.WithLogger(logger),
		ironpool.WithMetrics(true),
	)
	if err != nil {
		log.Fatalf("echoserver: failed to start: %v", err)
	}

	log.Printf("echoserver: listening on %s", listener.Addr())

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		log.Println("echoserver: shutting down")
		_ = listener.Close()
	}()

	if *metricsEvery > 0 {
		go reportMetrics(listener, *metricsEvery)
	}

	if err := listener.Serve(*pollTimeoutMs, handleConnection); err != nil {
		log.Fatalf("echoserver: serve failed: %v", err)
	}
}

// handleConnection implements a trivial line protocol: greet once, then
// echo back every subsequent read until the peer closes.
func handleConnection(workerID int, conn *ironpool.Connection, event ironpool.ConnectionState) error {
	switch event {
	case ironpool.StateOpened:
		_, err := conn.Write([]byte("welcome\n"))
		return err

	case ironpool.StateData:
		buf := make([]byte, 4096)
		for {
			n, err := conn.Read(buf)
			if err != nil {
				// EAGAIN just means the edge-triggered socket is drained
				// for now; a real error or EOF ends the loop.
				return nil
			}
			if n == 0 {
				return nil
			}
			if _, err := conn.Write(buf[:n]); err != nil {
				return err
			}
		}

	case ironpool.StateClosed:
		return nil
	}
	return nil
}

func reportMetrics(listener *ironpool.AsyncListener, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for range ticker.C {
		m := listener.Metrics()
		log.Printf("echoserver: metrics opened=%d closed=%d submitted=%d executed=%d errored=%d queue_depth=%d p50=%s p99=%s",
			m.ConnectionsOpened, m.ConnectionsClosed, m.TasksSubmitted, m.TasksExecuted, m.TasksErrored,
			m.QueueDepth, m.TaskLatency.P50, m.TaskLatency.P99)
	}
}

func parseLevel(s string) ironpool.LogLevel {
	switch s {
	case "debug":
		return ironpool.LevelDebug
	case "warn":
		return ironpool.LevelWarn
	case "error":
		return ironpool.LevelError
	default:
		return ironpool.LevelInfo
	}
}
