// Package autostart registers the bridge to start at login
package autostart

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
)

const (
	appName        = "cgm-bridge"
	appDisplayName = "CGM Bridge"

	osLinux  = "linux"
	osDarwin = "darwin"
)

// IsEnabled checks if the bridge is registered to start at login
func IsEnabled() (bool, error) {
	path, err := agentPath(runtime.GOOS)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	return err == nil, nil
}

// Enable registers the running executable with args and returns the file written
func Enable(args []string) (string, error) {
	execPath, err := os.Executable()
	if err != nil {
		return "", err
	}
	path, err := agentPath(runtime.GOOS)
	if err != nil {
		return "", err
	}

	var content string
	switch runtime.GOOS {
	case osLinux:
		content = systemdUnit(execPath, args)
	case osDarwin:
		content = launchAgent(execPath, args)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		return "", err
	}

	if runtime.GOOS == osLinux {
		// Not fatal: the unit is picked up on the next login
		_ = exec.Command("systemctl", "--user", "daemon-reload").Run()
		_ = exec.Command("systemctl", "--user", "enable", appName+".service").Run()
	}
	return path, nil
}

// Disable removes the login registration
func Disable() error {
	path, err := agentPath(runtime.GOOS)
	if err != nil {
		return err
	}

	switch runtime.GOOS {
	case osLinux:
		_ = exec.Command("systemctl", "--user", "disable", appName+".service").Run()
	case osDarwin:
		// Unload the agent first (ignore errors as the file may not be loaded)
		//nolint:gosec // G204: path comes from agentPath(), not user input
		_ = exec.Command("launchctl", "unload", path).Run()
	}

	err = os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// agentPath returns the systemd user unit or LaunchAgent path for goos
func agentPath(goos string) (string, error) {
	switch goos {
	case osLinux:
		configDir := os.Getenv("XDG_CONFIG_HOME")
		if configDir == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			configDir = filepath.Join(home, ".config")
		}
		return filepath.Join(configDir, "systemd", "user", appName+".service"), nil
	case osDarwin:
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, "Library", "LaunchAgents", "com."+appName+".plist"), nil
	default:
		return "", fmt.Errorf("unsupported platform: %s", goos)
	}
}

// systemdUnit restarts the bridge when the transmitter connection drops
func systemdUnit(execPath string, args []string) string {
	cmd := append([]string{execPath}, args...)
	for i, a := range cmd {
		if strings.ContainsAny(a, " \t\"") {
			cmd[i] = `"` + strings.ReplaceAll(a, `"`, `\"`) + `"`
		}
	}

	return fmt.Sprintf(`[Unit]
Description=%s glucose transmitter bridge
After=network-online.target

[Service]
ExecStart=%s
Restart=on-failure
RestartSec=10

[Install]
WantedBy=default.target
`, appDisplayName, strings.Join(cmd, " "))
}

func launchAgent(execPath string, args []string) string {
	var b strings.Builder
	for _, a := range append([]string{execPath}, args...) {
		fmt.Fprintf(&b, "        <string>%s</string>\n", xmlEscape(a))
	}

	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>com.%s</string>
    <key>ProgramArguments</key>
    <array>
%s    </array>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <dict>
        <key>SuccessfulExit</key>
        <false/>
    </dict>
</dict>
</plist>
`, appName, b.String())
}

func xmlEscape(s string) string {
	return strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;").Replace(s)
}
