package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/sevlyar/go-daemon"

	"github.com/openclaw/core/internal/gateway"
	. "github.com/openclaw/core/internal/logging"
	"github.com/openclaw/core/internal/paths"
)

// version is set by goreleaser via ldflags: -X main.version=...
// Default "dev" indicates a local/non-release build
var version = "dev"

// CLI defines the command-line interface: service lifecycle for the
// gateway, plus a thin pairing wrapper. Anything beyond that surface is out
// of scope for this collaborator.
type CLI struct {
	Debug bool `help:"Enable debug logging" short:"d"`
	Trace bool `help:"Enable trace logging" short:"t"`

	Install   InstallCmd   `cmd:"" help:"Install the gateway as a system service"`
	Uninstall UninstallCmd `cmd:"" help:"Remove the installed system service"`
	Start     StartCmd     `cmd:"" help:"Start the gateway as a background daemon"`
	Stop      StopCmd      `cmd:"" help:"Stop the background daemon"`
	Restart   RestartCmd   `cmd:"" help:"Restart the background daemon"`
	Status    StatusCmd    `cmd:"" help:"Show whether the gateway is running"`
	Pairing   PairingCmd   `cmd:"" help:"Device pairing"`
	Version   VersionCmd   `cmd:"" help:"Show version"`
}

// runtimePaths derives the daemon's PID and log file locations from the
// state directory, independent of whether config.json exists yet.
type runtimePaths struct {
	dataDir string
	pidFile string
	logFile string
}

func loadRuntimePaths() (*runtimePaths, error) {
	dataDir, err := paths.BaseDir()
	if err != nil {
		return nil, err
	}
	return &runtimePaths{
		dataDir: dataDir,
		pidFile: dataDir + "/goclaw.pid",
		logFile: dataDir + "/goclaw.log",
	}, nil
}

// StartCmd daemonizes the gateway.
type StartCmd struct {
	Foreground bool `help:"Run in the foreground instead of daemonizing"`
}

func (s *StartCmd) Run(ctx *Context) error {
	rp, err := loadRuntimePaths()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return err
	}
	if err := paths.EnsureDir(rp.dataDir); err != nil {
		L_error("failed to create data directory", "error", err)
		return err
	}

	if isRunningAt(rp.pidFile) {
		L_error("gateway already running")
		return fmt.Errorf("already running")
	}

	if s.Foreground {
		return runForeground()
	}

	cntxt := &daemon.Context{
		PidFileName: rp.pidFile,
		PidFilePerm: 0644,
		LogFileName: rp.logFile,
		LogFilePerm: 0640,
		WorkDir:     "./",
		Umask:       027,
	}

	d, err := cntxt.Reborn()
	if err != nil {
		L_fatal("daemonize failed", "error", err)
	}
	if d != nil {
		L_info("gateway started", "pid", d.Pid, "dataDir", rp.dataDir)
		return nil
	}
	defer cntxt.Release() //nolint:errcheck // daemon cleanup

	return runForeground()
}

func runForeground() error {
	rt, err := buildRuntime()
	if err != nil {
		L_error("failed to build runtime", "error", err)
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	L_info("gateway: starting", "version", version)
	return rt.serve(ctx)
}

// StopCmd stops the daemon.
type StopCmd struct{}

func (s *StopCmd) Run(ctx *Context) error {
	rp, err := loadRuntimePaths()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return err
	}

	pid, running := getPidFromFile(rp.pidFile)
	if !running {
		L_info("gateway not running")
		return nil
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("process not found: %w", err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to stop: %w", err)
	}

	L_info("gateway stopped", "pid", pid)
	os.Remove(rp.pidFile)
	return nil
}

// RestartCmd stops then starts the daemon.
type RestartCmd struct{}

func (r *RestartCmd) Run(ctx *Context) error {
	stop := &StopCmd{}
	if err := stop.Run(ctx); err != nil {
		return err
	}
	// Give the old process a moment to release its port before rebinding.
	time.Sleep(500 * time.Millisecond)
	start := &StartCmd{}
	return start.Run(ctx)
}

// StatusCmd reports whether the gateway is reachable, via a TCP probe
// against the configured port rather than a process-table inspection: a
// port that accepts connections is the one fact any operator client cares
// about.
type StatusCmd struct{}

func (s *StatusCmd) Run(ctx *Context) error {
	rp, err := loadRuntimePaths()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return err
	}

	pid, pidRunning := getPidFromFile(rp.pidFile)
	port := gatewayPort()
	reachable := probeTCP(port, 2*time.Second)

	switch {
	case reachable && pidRunning:
		fmt.Println("Gateway:  running")
		fmt.Printf("PID:      %d\n", pid)
		fmt.Printf("Port:     %d\n", port)
	case reachable:
		fmt.Println("Gateway:  running (no pid file found, possibly foreground)")
		fmt.Printf("Port:     %d\n", port)
	default:
		fmt.Println("Gateway:  not running")
	}
	return nil
}

// InstallCmd installs the gateway as a system service (systemd on Linux).
type InstallCmd struct{}

func (c *InstallCmd) Run(ctx *Context) error {
	return installService()
}

// UninstallCmd removes the installed system service.
type UninstallCmd struct{}

func (c *UninstallCmd) Run(ctx *Context) error {
	return uninstallService()
}

// PairingCmd groups device-pairing subcommands.
type PairingCmd struct {
	Begin PairingBeginCmd `cmd:"" help:"Mint a pairing code and display it as a terminal QR"`
}

// PairingBeginCmd wraps the Gateway Router's pairing.begin method: it
// dials the running gateway over the same loopback connection any other
// operator client uses, not a side channel.
type PairingBeginCmd struct{}

func (c *PairingBeginCmd) Run(ctx *Context) error {
	port := gatewayPort()
	conn, err := dialLoopback(port)
	if err != nil {
		return fmt.Errorf("connect to gateway on port %d: %w (is it running?)", port, err)
	}
	defer conn.Close()

	payload, err := callMethod(conn, "pairing-begin", "pairing.begin", struct{}{})
	if err != nil {
		return err
	}

	var result struct {
		Code      string `json:"code"`
		ExpiresAt int64  `json:"expiresAt"`
	}
	if err := unmarshalPayload(payload, &result); err != nil {
		return fmt.Errorf("decode pairing.begin response: %w", err)
	}

	gateway.DisplayPairingQR(os.Stdout, result.Code)
	fmt.Printf("Expires: %s\n", time.UnixMilli(result.ExpiresAt).Format(time.RFC3339))
	return nil
}

// VersionCmd shows version info.
type VersionCmd struct{}

func (v *VersionCmd) Run(ctx *Context) error {
	fmt.Printf("goclaw %s\n", version)
	return nil
}

// Context carries global flags into every command's Run method.
type Context struct {
	Debug bool
	Trace bool
}

func getPidFromFile(pidFile string) (int, bool) {
	pidBytes, err := os.ReadFile(pidFile)
	if err != nil {
		return 0, false
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(pidBytes)))
	if err != nil {
		return 0, false
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return pid, false
	}

	if err := process.Signal(syscall.Signal(0)); err != nil {
		os.Remove(pidFile)
		return pid, false
	}

	return pid, true
}

func isRunningAt(pidFile string) bool {
	_, running := getPidFromFile(pidFile)
	return running
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("goclaw"),
		kong.Description("Gateway Router service lifecycle"),
		kong.UsageOnError(),
	)

	level := LevelInfo
	if cli.Trace {
		level = LevelTrace
	} else if cli.Debug {
		level = LevelDebug
	}
	Init(&Config{Level: level, ShowCaller: true})

	err := ctx.Run(&Context{Debug: cli.Debug, Trace: cli.Trace})
	if err != nil {
		L_fatal("command failed", "error", err)
	}
}
