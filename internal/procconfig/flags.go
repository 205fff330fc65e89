package procconfig

import (
	"fmt"
	"os"

	flag "github.com/spf13/pflag"
)

// Flags holds every daemon command-line flag value.
type Flags struct {
	configFile *string
	version    *bool

	base         *string
	environment  *string
	containerCmd *string
	adminAddr    *string
	logLevel     *string
	logFormat    *string
}

// ParseFlags defines and parses the daemon's command line flags.
func ParseFlags() (*Flags, string, bool) {
	f := &Flags{}

	f.configFile = flag.StringP("config", "c", "", "Path to daemon configuration file")
	f.version = flag.BoolP("version", "v", false, "Print version and exit")

	f.base = flag.String("base", "", "Base path resolution override (NET_SERVERS_BASE)")
	f.environment = flag.String("env", "", "Current environment override (NET_SERVERS_ENV)")
	f.containerCmd = flag.String("container-cmd", "", "Container runtime binary (CONTAINER_CMD)")
	f.adminAddr = flag.String("admin-addr", "", "Local admin API bind address")
	f.logLevel = flag.StringP("log-level", "l", "", "Log level (debug, info, warn, error)")
	f.logFormat = flag.String("log-format", "", "Log format (json or console)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [OPTIONS]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "net-servers-core - the configuration management daemon\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nConfiguration priority (highest to lowest):\n")
		fmt.Fprintf(os.Stderr, "  1. Command line flags\n")
		fmt.Fprintf(os.Stderr, "  2. Environment variables (NET_SERVERS_*, CONTAINER_CMD)\n")
		fmt.Fprintf(os.Stderr, "  3. Configuration file\n")
		fmt.Fprintf(os.Stderr, "  4. Built-in defaults\n")
	}

	flag.Parse()

	return f, *f.configFile, *f.version
}

// GetBase returns the base flag value and whether it was set.
func (f *Flags) GetBase() (string, bool) {
	return *f.base, flag.Lookup("base").Changed
}

// GetEnvironment returns the env flag value and whether it was set.
func (f *Flags) GetEnvironment() (string, bool) {
	return *f.environment, flag.Lookup("env").Changed
}

// GetContainerCmd returns the container-cmd flag value and whether it was set.
func (f *Flags) GetContainerCmd() (string, bool) {
	return *f.containerCmd, flag.Lookup("container-cmd").Changed
}

// GetAdminAddr returns the admin-addr flag value and whether it was set.
func (f *Flags) GetAdminAddr() (string, bool) {
	return *f.adminAddr, flag.Lookup("admin-addr").Changed
}

// GetLogLevel returns the log-level flag value and whether it was set.
func (f *Flags) GetLogLevel() (string, bool) {
	return *f.logLevel, flag.Lookup("log-level").Changed
}

// GetLogFormat returns the log-format flag value and whether it was set.
func (f *Flags) GetLogFormat() (string, bool) {
	return *f.logFormat, flag.Lookup("log-format").Changed
}

// ApplyTo merges every flag the caller explicitly set over cfg, the same
// flags-win-over-file-and-env precedence the teacher applies in
// cmd/ocm/main.go.
func (f *Flags) ApplyTo(cfg *Config) {
	if v, ok := f.GetBase(); ok {
		cfg.Base = v
	}
	if v, ok := f.GetEnvironment(); ok {
		cfg.Environment = v
	}
	if v, ok := f.GetContainerCmd(); ok {
		cfg.ContainerCmd = v
	}
	if v, ok := f.GetAdminAddr(); ok {
		cfg.Admin.Addr = v
	}
	if v, ok := f.GetLogLevel(); ok {
		cfg.Logging.Level = v
	}
	if v, ok := f.GetLogFormat(); ok {
		cfg.Logging.Format = v
	}
}
