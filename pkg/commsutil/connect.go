package commsutil

import (
	"fmt"
	"log/slog"
	"time"

	comms "github.com/nats-io/nats.go"
)

const connectLogPrefix = "commsutil:connect"

// Connect creates a COMMS connection to the given URL. onClosed, when non-nil, runs once
// the connection is permanently closed (reconnects exhausted or Close called). Nothing
// reconnects after that; callers treat it as fatal.
func Connect(url, name string, onClosed func()) (*comms.Conn, error) {
	slog.Info(fmt.Sprintf("%s - Connecting to COMMS at %s as %s", connectLogPrefix, url, name))

	nc, err := comms.Connect(url,
		comms.Name(name),
		comms.Timeout(10*time.Second),
		comms.ReconnectWait(2*time.Second),
		comms.MaxReconnects(60),
		comms.DisconnectErrHandler(func(_ *comms.Conn, err error) {
			slog.Warn(fmt.Sprintf("%s - COMMS disconnected: %v", connectLogPrefix, err))
		}),
		comms.ReconnectHandler(func(nc *comms.Conn) {
			slog.Info(fmt.Sprintf("%s - COMMS reconnected to %s", connectLogPrefix, nc.ConnectedUrl()))
		}),
		comms.ClosedHandler(func(nc *comms.Conn) {
			slog.Info(fmt.Sprintf("%s - COMMS connection closed", connectLogPrefix))
			if onClosed != nil {
				onClosed()
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to connect to COMMS: %w", connectLogPrefix, err)
	}

	slog.Info(fmt.Sprintf("%s - Connected to COMMS at %s", connectLogPrefix, nc.ConnectedUrl()))
	return nc, nil
}
