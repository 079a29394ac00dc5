package config

import (
	"io"
	"os"
	"testing"

	"coihue.dev/go/correo/internal/log"
	"coihue.dev/go/correo/internal/testlib"
)

func mustCreateConfig(t *testing.T, contents string) (string, string) {
	tmpDir := testlib.MustTempDir(t)
	err := os.WriteFile(tmpDir+"/correo.conf", []byte(contents), 0600)
	if err != nil {
		t.Fatalf("failed to write tmp config: %v", err)
	}
	return tmpDir, tmpDir + "/correo.conf"
}

func TestEmptyConfig(t *testing.T) {
	tmpDir, path := mustCreateConfig(t, "")
	defer testlib.RemoveIfOk(t, tmpDir)

	c, err := Load(path, "")
	if err != nil {
		t.Fatalf("error loading empty config: %v", err)
	}

	hostname, _ := os.Hostname()
	if c.Hostname == "" || c.Hostname != hostname {
		t.Errorf("invalid hostname %q, should be: %q", c.Hostname, hostname)
	}

	if c.MaxDataSizeMB != 50 {
		t.Errorf("max data size != 50: %d", c.MaxDataSizeMB)
	}

	if len(c.SMTPAddresses) != 1 || c.SMTPAddresses[0] != "systemd" {
		t.Errorf("unexpected address default: %v", c.SMTPAddresses)
	}

	if len(c.SubmissionAddresses) != 1 || c.SubmissionAddresses[0] != "systemd" {
		t.Errorf("unexpected address default: %v", c.SubmissionAddresses)
	}

	if c.MonitoringAddress != "" {
		t.Errorf("monitoring address is set: %v", c.MonitoringAddress)
	}

	testLogConfig(c)
}

func TestFullConfig(t *testing.T) {
	confStr := `
hostname = joust
smtp_addresses = :1234, :5678
monitoring_address = :1111
max_data_size_mb = 26
local_domains = example.com, example.org
`

	tmpDir, path := mustCreateConfig(t, confStr)
	defer testlib.RemoveIfOk(t, tmpDir)

	c, err := Load(path, "")
	if err != nil {
		t.Fatalf("error loading config: %v", err)
	}

	if c.Hostname != "joust" {
		t.Errorf("hostname %q != 'joust'", c.Hostname)
	}

	if c.MaxDataSizeMB != 26 {
		t.Errorf("max data size != 26: %d", c.MaxDataSizeMB)
	}

	if len(c.SMTPAddresses) != 2 ||
		c.SMTPAddresses[0] != ":1234" || c.SMTPAddresses[1] != ":5678" {
		t.Errorf("different address: %v", c.SMTPAddresses)
	}

	if c.MonitoringAddress != ":1111" {
		t.Errorf("monitoring address %q != ':1111'", c.MonitoringAddress)
	}

	if len(c.LocalDomains) != 2 {
		t.Errorf("local domains: %v", c.LocalDomains)
	}

	testLogConfig(c)
}

func TestOverrides(t *testing.T) {
	tmpDir, path := mustCreateConfig(t, "hostname = fromfile\n")
	defer testlib.RemoveIfOk(t, tmpDir)

	c, err := Load(path, "hostname=fromoverride")
	if err != nil {
		t.Fatalf("error loading config: %v", err)
	}
	if c.Hostname != "fromoverride" {
		t.Errorf("override did not take effect: %q", c.Hostname)
	}
}

func TestErrorLoading(t *testing.T) {
	c, err := Load("/does/not/exist", "")
	if err == nil {
		t.Fatalf("loaded a non-existent config: %v", c)
	}
}

func TestBrokenConfig(t *testing.T) {
	tmpDir, path := mustCreateConfig(t, "this is not valid\n")
	defer testlib.RemoveIfOk(t, tmpDir)

	c, err := Load(path, "")
	if err == nil {
		t.Fatalf("loaded an invalid config: %v", c)
	}
}

func TestUnknownParameter(t *testing.T) {
	tmpDir, path := mustCreateConfig(t, "no_such_parameter = 1\n")
	defer testlib.RemoveIfOk(t, tmpDir)

	if _, err := Load(path, ""); err == nil {
		t.Fatalf("loaded a config with an unknown parameter")
	}
}

func TestInvalidConcurrency(t *testing.T) {
	tmpDir, path := mustCreateConfig(t, "initial_destination_concurrency = 0\n")
	defer testlib.RemoveIfOk(t, tmpDir)

	if _, err := Load(path, ""); err == nil {
		t.Fatalf("loaded a config with an invalid concurrency setting")
	}
}

// Run LogConfig, overriding the default logger first. This exercises the
// code; we don't validate the output, only that it doesn't panic.
func testLogConfig(c *Config) {
	l := log.New(nopWCloser{io.Discard})
	log.Default = l
	LogConfig(c)
}

type nopWCloser struct {
	io.Writer
}

func (nopWCloser) Close() error { return nil }
