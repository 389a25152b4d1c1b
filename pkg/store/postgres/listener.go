package postgres

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
)

// queueChannel is the NOTIFY channel fired inside every transaction that
// changes the execution queue.
const queueChannel = "cellagent_queue_changed"

// notifyListener owns a dedicated pgx connection used only for LISTEN. The
// receive loop is the sole user of the connection; on receive errors it
// reconnects with exponential backoff and re-issues LISTEN.
type notifyListener struct {
	connString string
	onNotify   func()

	cancel context.CancelFunc
	done   chan struct{}
}

// startListener connects, issues LISTEN, and starts the receive loop.
func startListener(ctx context.Context, connString string, onNotify func()) (*notifyListener, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{queueChannel}.Sanitize()); err != nil {
		_ = conn.Close(ctx)
		return nil, err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	l := &notifyListener{
		connString: connString,
		onNotify:   onNotify,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	go l.receiveLoop(loopCtx, conn)
	return l, nil
}

// receiveLoop blocks on WaitForNotification and invokes the callback for
// every notification. The payload carries only the event type; subscribers
// re-run their queries rather than decode state from the payload.
func (l *notifyListener) receiveLoop(ctx context.Context, conn *pgx.Conn) {
	defer close(l.done)
	for {
		if ctx.Err() != nil {
			if conn != nil {
				_ = conn.Close(context.Background())
			}
			return
		}
		if conn == nil {
			conn = l.reconnect(ctx)
			continue
		}

		_, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				_ = conn.Close(context.Background())
				return
			}
			slog.Error("NOTIFY receive error", "error", err)
			_ = conn.Close(context.Background())
			conn = nil
			continue
		}

		l.onNotify()
	}
}

// reconnect re-establishes the LISTEN connection with exponential backoff.
// Returns nil only when ctx is cancelled.
func (l *notifyListener) reconnect(ctx context.Context) *pgx.Conn {
	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}

		conn, err := pgx.Connect(ctx, l.connString)
		if err != nil {
			slog.Error("LISTEN reconnect failed", "error", err, "backoff", backoff)
			backoff = min(backoff*2, 30*time.Second)
			continue
		}
		if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{queueChannel}.Sanitize()); err != nil {
			slog.Error("re-LISTEN failed", "error", err)
			_ = conn.Close(context.Background())
			backoff = min(backoff*2, 30*time.Second)
			continue
		}

		slog.Info("LISTEN connection re-established")
		return conn
	}
}

// stop cancels the receive loop and waits for it to close the connection.
func (l *notifyListener) stop() {
	l.cancel()
	<-l.done
}
