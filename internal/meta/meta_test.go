package meta

import (
	"strings"
	"testing"

	"github.com/shirou/gopsutil/v3/host"
)

func TestGet(t *testing.T) {
	md, err := Get()
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if md.AgentVersion != Version {
		t.Errorf("AgentVersion: got %s, want %s", md.AgentVersion, Version)
	}
	if md.OSVersion == "" {
		t.Error("OSVersion is empty")
	}
	if md.Uname == "" {
		t.Error("Uname is empty")
	}

	t.Logf("Collected: machine=%q os=%q uname=%q", md.MachineType, md.OSVersion, md.Uname)
}

func TestUname_JoinsNonEmptyFields(t *testing.T) {
	info := &host.InfoStat{
		OS:            "linux",
		Hostname:      "testhost",
		KernelVersion: "6.1.0",
		KernelArch:    "x86_64",
	}
	got := uname(info)
	want := "linux testhost 6.1.0 x86_64"
	if got != want {
		t.Errorf("uname: got %q, want %q", got, want)
	}
}

func TestUname_SkipsEmptyFields(t *testing.T) {
	info := &host.InfoStat{OS: "linux", Hostname: "testhost"}
	got := uname(info)
	if got != "linux testhost" {
		t.Errorf("uname: got %q, want %q", got, "linux testhost")
	}
}

func TestOSVersion_ComposesPlatform(t *testing.T) {
	info := &host.InfoStat{Platform: "debian", PlatformVersion: "12"}
	got := osVersion(info)
	// On Linux the os-release PRETTY_NAME may override; either way the
	// result must be non-empty and sensible.
	if got == "" {
		t.Fatal("osVersion is empty")
	}
	if !strings.Contains(got, " ") && got != "debian" {
		t.Logf("osVersion: %q", got)
	}
}

func TestMachineType(t *testing.T) {
	// Purely environmental; just exercise the lookup path.
	t.Logf("machineType: %q", machineType())
}
