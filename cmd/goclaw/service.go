package main

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"runtime"
	"time"

	"github.com/openclaw/core/internal/config"
)

const systemdUnitPath = "/etc/systemd/system/goclaw.service"

const systemdUnitTemplate = `[Unit]
Description=goclaw gateway
After=network.target

[Service]
ExecStart=%s start --foreground
Restart=on-failure
User=%s

[Install]
WantedBy=multi-user.target
`

// installService writes a systemd unit that runs the gateway in the
// foreground under systemd's own supervision, and enables it.
func installService() error {
	if runtime.GOOS != "linux" {
		return fmt.Errorf("service install is only supported on linux")
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable path: %w", err)
	}
	user := os.Getenv("SUDO_USER")
	if user == "" {
		user = os.Getenv("USER")
	}

	unit := fmt.Sprintf(systemdUnitTemplate, exe, user)
	if err := os.WriteFile(systemdUnitPath, []byte(unit), 0644); err != nil {
		return fmt.Errorf("write unit file (are you root?): %w", err)
	}

	if err := exec.Command("systemctl", "daemon-reload").Run(); err != nil {
		return fmt.Errorf("systemctl daemon-reload: %w", err)
	}
	if err := exec.Command("systemctl", "enable", "goclaw").Run(); err != nil {
		return fmt.Errorf("systemctl enable: %w", err)
	}

	fmt.Println("Installed goclaw.service. Start it with: systemctl start goclaw")
	return nil
}

// uninstallService disables and removes the installed systemd unit.
func uninstallService() error {
	if runtime.GOOS != "linux" {
		return fmt.Errorf("service uninstall is only supported on linux")
	}

	exec.Command("systemctl", "stop", "goclaw").Run()
	exec.Command("systemctl", "disable", "goclaw").Run()

	if err := os.Remove(systemdUnitPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove unit file (are you root?): %w", err)
	}
	if err := exec.Command("systemctl", "daemon-reload").Run(); err != nil {
		return fmt.Errorf("systemctl daemon-reload: %w", err)
	}

	fmt.Println("Removed goclaw.service")
	return nil
}

// gatewayPort resolves the configured gateway port, falling back to the
// default when no config.json is present.
func gatewayPort() int {
	cfg, err := config.Load()
	if err != nil || cfg.Gateway.Port == 0 {
		return 18789
	}
	return cfg.Gateway.Port
}

// probeTCP is the interface the CLI's status command exposes to the
// operator: is the gateway running on this port, nothing more.
func probeTCP(port int, timeout time.Duration) bool {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), timeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func unmarshalPayload(payload json.RawMessage, v any) error {
	return json.Unmarshal(payload, v)
}
