package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"s7gate/device"
	"s7gate/s7"
)

func intPtr(n int) *int    { return &n }
func boolPtr(b bool) *bool { return &b }

func testDevice(name string) DeviceConfig {
	area := s7.AreaDB
	return DeviceConfig{
		Name:      name,
		IPAddress: "192.168.0.10",
		Rack:      0,
		Slot:      1,
		Timeout:   500,
		IsActive:  true,
		Variables: []device.VariablePayload{{
			ID:         "tank-level",
			Name:       "level",
			SampleTime: 5,
			Type:       "s7Float",
			AreaType:   &area,
			DBNumber:   intPtr(1),
			Offset:     intPtr(4),
			Write:      boolPtr(false),
		}},
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg == nil {
		t.Fatal("DefaultConfig returned nil")
	}
	if cfg.PollRate != 100*time.Millisecond {
		t.Errorf("expected 100ms poll rate, got %v", cfg.PollRate)
	}
	if cfg.MaxRequestLength != device.DefaultMaxRequestLength {
		t.Errorf("expected max request length %d, got %d", device.DefaultMaxRequestLength, cfg.MaxRequestLength)
	}
	if !cfg.Web.Enabled {
		t.Error("expected Web.Enabled true by default")
	}
	if cfg.Web.Port != 8080 {
		t.Errorf("expected Web port 8080, got %d", cfg.Web.Port)
	}
	if cfg.Web.Host != "0.0.0.0" {
		t.Errorf("expected Web host 0.0.0.0, got %s", cfg.Web.Host)
	}
	if len(cfg.Devices) != 0 {
		t.Errorf("expected empty Devices slice")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestLoadAndSave(t *testing.T) {
	tmpDir := t.TempDir()

	t.Run("returns default for nonexistent file", func(t *testing.T) {
		path := filepath.Join(tmpDir, "nonexistent.yaml")
		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if cfg.PollRate != 100*time.Millisecond {
			t.Error("expected default config")
		}
		if _, err := os.Stat(path); err != nil {
			t.Errorf("defaults were not written: %v", err)
		}
	})

	t.Run("save and load roundtrip", func(t *testing.T) {
		path := filepath.Join(tmpDir, "test.yaml")

		cfg := DefaultConfig()
		cfg.Namespace = "plant1"
		cfg.PollRate = 250 * time.Millisecond
		cfg.MaxRequestLength = 120
		cfg.AddDevice(testDevice("press"))
		cfg.MQTT = append(cfg.MQTT, MQTTConfig{Name: "TestMQTT", Broker: "mqtt.local", Port: 1883})

		if err := cfg.Save(path); err != nil {
			t.Fatalf("Save failed: %v", err)
		}

		loaded, err := Load(path)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}

		if loaded.Namespace != "plant1" {
			t.Errorf("namespace = %q", loaded.Namespace)
		}
		if loaded.PollRate != 250*time.Millisecond {
			t.Errorf("expected 250ms poll rate, got %v", loaded.PollRate)
		}
		if loaded.MaxRequestLength != 120 {
			t.Errorf("max request length = %d", loaded.MaxRequestLength)
		}
		if len(loaded.Devices) != 1 || loaded.Devices[0].Name != "press" {
			t.Fatal("device config not preserved")
		}
		dev := loaded.Devices[0]
		if dev.IPAddress != "192.168.0.10" || dev.Slot != 1 || dev.Timeout != 500 || !dev.IsActive {
			t.Errorf("driver fields not preserved: %+v", dev)
		}
		if len(dev.Variables) != 1 {
			t.Fatalf("expected 1 variable, got %d", len(dev.Variables))
		}
		v := dev.Variables[0]
		if v.ID != "tank-level" || v.Type != "s7Float" || v.SampleTime != 5 {
			t.Errorf("variable identity not preserved: %+v", v)
		}
		if v.AreaType == nil || *v.AreaType != s7.AreaDB || *v.DBNumber != 1 || *v.Offset != 4 {
			t.Errorf("variable addressing not preserved: %+v", v)
		}
		if len(loaded.MQTT) != 1 || loaded.MQTT[0].Broker != "mqtt.local" {
			t.Error("MQTT config not preserved")
		}
	})

	t.Run("area is stored by name", func(t *testing.T) {
		path := filepath.Join(tmpDir, "area.yaml")
		cfg := DefaultConfig()
		cfg.AddDevice(testDevice("press"))
		if err := cfg.Save(path); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatal(err)
		}
		if !strings.Contains(string(data), "area_type: DB") {
			t.Errorf("expected area_type: DB in\n%s", data)
		}
	})

	t.Run("fills zero poll rate", func(t *testing.T) {
		path := filepath.Join(tmpDir, "zero.yaml")
		os.WriteFile(path, []byte("namespace: x\npoll_rate: 0s\n"), 0644)

		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if cfg.PollRate != 100*time.Millisecond {
			t.Errorf("poll rate = %v", cfg.PollRate)
		}
		if cfg.MaxRequestLength != device.DefaultMaxRequestLength {
			t.Errorf("max request length = %d", cfg.MaxRequestLength)
		}
	})

	t.Run("creates directory if needed", func(t *testing.T) {
		path := filepath.Join(tmpDir, "subdir", "nested", "config.yaml")
		cfg := DefaultConfig()

		if err := cfg.Save(path); err != nil {
			t.Fatalf("Save failed: %v", err)
		}

		if _, err := os.Stat(path); os.IsNotExist(err) {
			t.Error("config file was not created")
		}
	})

	t.Run("returns error for invalid yaml", func(t *testing.T) {
		path := filepath.Join(tmpDir, "invalid.yaml")
		os.WriteFile(path, []byte("invalid: yaml: content: ["), 0644)

		_, err := Load(path)
		if err == nil {
			t.Error("expected error for invalid YAML")
		}
	})
}

func TestDeviceOperations(t *testing.T) {
	cfg := DefaultConfig()

	t.Run("AddDevice and FindDevice", func(t *testing.T) {
		cfg.AddDevice(testDevice("press"))

		found := cfg.FindDevice("press")
		if found == nil {
			t.Fatal("FindDevice returned nil")
		}
		if found.IPAddress != "192.168.0.10" {
			t.Errorf("expected address '192.168.0.10', got %s", found.IPAddress)
		}
	})

	t.Run("FindDevice returns nil for nonexistent", func(t *testing.T) {
		if cfg.FindDevice("nonexistent") != nil {
			t.Error("expected nil for nonexistent device")
		}
	})

	t.Run("UpdateDevice", func(t *testing.T) {
		updated := testDevice("press")
		updated.IPAddress = "192.168.0.11"
		if !cfg.UpdateDevice("press", updated) {
			t.Error("UpdateDevice returned false")
		}
		if cfg.FindDevice("press").IPAddress != "192.168.0.11" {
			t.Error("device not updated")
		}
	})

	t.Run("UpdateDevice returns false for nonexistent", func(t *testing.T) {
		if cfg.UpdateDevice("nonexistent", DeviceConfig{}) {
			t.Error("expected false for nonexistent device")
		}
	})

	t.Run("RemoveDevice", func(t *testing.T) {
		if !cfg.RemoveDevice("press") {
			t.Error("RemoveDevice returned false")
		}
		if cfg.FindDevice("press") != nil {
			t.Error("device not removed")
		}
		if cfg.RemoveDevice("press") {
			t.Error("expected false on second remove")
		}
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) { c.AddDevice(testDevice("press")) }, ""},
		{"empty namespace", func(c *Config) { c.Namespace = "" }, "namespace"},
		{"bad namespace", func(c *Config) { c.Namespace = "a/b" }, "namespace"},
		{"bad device name", func(c *Config) { c.AddDevice(testDevice("press 1")) }, "device name"},
		{"duplicate device", func(c *Config) {
			c.AddDevice(testDevice("press"))
			c.AddDevice(testDevice("press"))
		}, "duplicate"},
		{"bad rack", func(c *Config) {
			d := testDevice("press")
			d.Rack = 9
			c.AddDevice(d)
		}, "press"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tc.wantErr)
			}
		})
	}
}

func TestUnlockAndSave(t *testing.T) {
	cfg := DefaultConfig()
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg.Lock()
	cfg.AddDevice(testDevice("press"))
	if err := cfg.UnlockAndSave(path); err != nil {
		t.Fatalf("UnlockAndSave: %v", err)
	}

	// The lock must be free again
	done := make(chan struct{})
	go func() {
		cfg.Lock()
		cfg.Unlock()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("UnlockAndSave left the config locked")
	}

	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("temp file left behind: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.FindDevice("press") == nil {
		t.Error("device not persisted")
	}
}

func TestIsValidNamespace(t *testing.T) {
	tests := []struct {
		ns   string
		want bool
	}{
		{"s7gate", true},
		{"plant-1.line_2", true},
		{"", false},
		{"has space", false},
		{"a/b", false},
	}
	for _, tc := range tests {
		if got := IsValidNamespace(tc.ns); got != tc.want {
			t.Errorf("IsValidNamespace(%q) = %v, want %v", tc.ns, got, tc.want)
		}
	}
}

func TestDefaultPath(t *testing.T) {
	path := DefaultPath()
	if path == "" {
		t.Error("DefaultPath returned empty string")
	}
	if !filepath.IsAbs(path) && path != "config.yaml" {
		t.Error("expected absolute path or 'config.yaml'")
	}
}
