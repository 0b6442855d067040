package autostart

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestAgentPath(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	t.Setenv("HOME", dir)

	tests := []struct {
		goos    string
		want    string
		wantErr bool
	}{
		{"linux", filepath.Join(dir, "systemd", "user", "cgm-bridge.service"), false},
		{"darwin", filepath.Join(dir, "Library", "LaunchAgents", "com.cgm-bridge.plist"), false},
		{"windows", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.goos, func(t *testing.T) {
			got, err := agentPath(tt.goos)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("agentPath: %v", err)
			}
			if got != tt.want {
				t.Errorf("agentPath = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestSystemdUnit(t *testing.T) {
	unit := systemdUnit("/usr/local/bin/cgm-bridge", []string{"-port", "/dev/ttyUSB0", "-config", "/home/me/my settings.json"})

	for _, want := range []string{
		`ExecStart=/usr/local/bin/cgm-bridge -port /dev/ttyUSB0 -config "/home/me/my settings.json"`,
		"Restart=on-failure",
		"WantedBy=default.target",
	} {
		if !strings.Contains(unit, want) {
			t.Errorf("unit missing %q:\n%s", want, unit)
		}
	}
}

func TestLaunchAgent(t *testing.T) {
	plist := launchAgent("/Applications/cgm-bridge", []string{"-port", "/dev/cu.usb<1>"})

	for _, want := range []string{
		"<string>com.cgm-bridge</string>",
		"<string>/Applications/cgm-bridge</string>",
		"<string>/dev/cu.usb&lt;1&gt;</string>",
		"<key>SuccessfulExit</key>",
	} {
		if !strings.Contains(plist, want) {
			t.Errorf("plist missing %q:\n%s", want, plist)
		}
	}
}
