package cli

import (
	"fmt"
	"io"
	"strings"
)

// Version is set at build time via -ldflags.
var Version = "dev"

func init() {
	if Version != "dev" && !strings.HasPrefix(Version, "v") {
		Version = "v" + Version
	}
}

func printVersion(w io.Writer) {
	fmt.Fprintln(w, "deskrelay", Version)
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `deskrelay - remote desktop connection and session broker

Usage:
  deskrelay server [flags]                          Start the broker API and relay
  deskrelay connection create --name NAME           Create a pending connection and print its installation key
  deskrelay connection list                         List connections
  deskrelay connection status --id ID --status S    Set a connection status (pending|active|inactive)
  deskrelay connection delete --id ID               Delete a connection with its history and files
  deskrelay operator-token [--token T]              Print a bcrypt hash for the operator token gate
  deskrelay version                                 Print version
  deskrelay help                                    Show this help

Configuration precedence: defaults < --config TOML file < DESKRELAY_* env < flags.
A .env file in the working directory is read for DESKRELAY_* variables not already set.

Environment Variables:
  DESKRELAY_CONFIG               TOML config file
  DESKRELAY_LISTEN               API listen address (default: :8080)
  DESKRELAY_PUBLIC_URL           Externally reachable base URL
  DESKRELAY_TLS_MODE             TLS mode: off|auto|static (default: off)
  DESKRELAY_DOMAIN               Domain for ACME certificates (tls mode auto)
  DESKRELAY_DB_PATH              SQLite database path (default: ./deskrelay.db)
  DESKRELAY_FILES_DIR            Per-connection file areas (default: ./files)
  DESKRELAY_MACHINE_PORT         Default remote-desktop port (default: 5900)
  DESKRELAY_IDLE_TIMEOUT         Session idle timeout (default: 5m)
  DESKRELAY_REGISTER_RATE        Machine registrations per second per client IP, 0 disables (default: 1)
  DESKRELAY_REGISTER_BURST       Registration burst per client IP (default: 10)
  DESKRELAY_LOG_LEVEL            Log level: debug|info|warn|error (default: info)
  DESKRELAY_LOG_FORMAT           Log format: text|json (default: text)
  DESKRELAY_OPERATOR_TOKEN_HASH  bcrypt hash enabling the operator bearer token gate
  DESKRELAY_DEBUG_LISTEN         Debug listener for pprof and metrics`)
}
