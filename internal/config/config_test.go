package config

import "testing"

func TestValidateRejectsMultipleTransports(t *testing.T) {
	cfg := Default()
	cfg.SerialPort = "/dev/ttyACM0"
	cfg.TCPHost = "10.0.0.5"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error when both serial and TCP transports are set")
	}
}

func TestValidateRequiresBLEPINWithBLEAddress(t *testing.T) {
	cfg := Default()
	cfg.BLEAddress = "AA:BB:CC:DD:EE:FF"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error when ble_address is set without ble_pin")
	}
	cfg.BLEPIN = "123456"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected success once ble_pin is set: %v", err)
	}
}

func TestValidateAllowsNoTransportSelected(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected default config (implicit serial auto-detect) to validate, got %v", err)
	}
}

func TestApplyEnvOverridesDefaults(t *testing.T) {
	t.Setenv("MESHCORE_SERIAL_PORT", "/dev/ttyUSB3")
	t.Setenv("MESHCORE_DATABASE_PATH", "/tmp/gw.db")
	t.Setenv("MESHCORE_TCP_PORT", "5000")

	cfg := Default()
	applyEnv(&cfg)

	if cfg.SerialPort != "/dev/ttyUSB3" {
		t.Errorf("SerialPort = %q, want /dev/ttyUSB3", cfg.SerialPort)
	}
	if cfg.DatabasePath != "/tmp/gw.db" {
		t.Errorf("DatabasePath = %q, want /tmp/gw.db", cfg.DatabasePath)
	}
	if cfg.TCPPort != 5000 {
		t.Errorf("TCPPort = %d, want 5000", cfg.TCPPort)
	}
}

func TestLoadMissingYAMLFileIsNotAnError(t *testing.T) {
	cfg, err := Load("/nonexistent/path/gateway.yaml")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DatabasePath != Default().DatabasePath {
		t.Fatalf("expected defaults to survive a missing yaml overlay")
	}
}
