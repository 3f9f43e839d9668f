package daemon

import (
	"log/slog"
	"net"
	"os"
)

// SdNotify reports daemon state to systemd via NOTIFY_SOCKET. Outside
// systemd (no socket in the environment) it is a silent no-op, and
// delivery failures are logged rather than returned: readiness
// notification is best effort.
func SdNotify(state string) {
	socket := os.Getenv("NOTIFY_SOCKET")
	if socket == "" {
		return
	}
	conn, err := net.Dial("unixgram", socket)
	if err != nil {
		slog.Warn("sd-notify dial failed", "socket", socket, "error", err)
		return
	}
	defer conn.Close()
	if _, err := conn.Write([]byte(state)); err != nil {
		slog.Warn("sd-notify write failed", "socket", socket, "error", err)
	}
}
