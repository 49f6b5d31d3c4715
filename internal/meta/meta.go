// Package meta collects device metadata reported to the management server.
package meta

import (
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/shirou/gopsutil/v3/host"
)

// Version is the released tuxagent version, reported as the agent version.
const Version = "1.2.0"

// Meta holds the metadata fields the server tracks per device.
type Meta struct {
	AgentVersion string
	MachineType  string // empty when the hardware could not be identified
	OSVersion    string
	Uname        string
}

// Get gathers device metadata. Failure is non-fatal to a sync cycle; the
// caller skips the metadata contribution and retries next cycle.
func Get() (*Meta, error) {
	hostInfo, err := host.Info()
	if err != nil {
		return nil, fmt.Errorf("reading host info: %w", err)
	}

	return &Meta{
		AgentVersion: Version,
		MachineType:  machineType(),
		OSVersion:    osVersion(hostInfo),
		Uname:        uname(hostInfo),
	}, nil
}

// machineType identifies the hardware platform, or returns "" when unknown.
func machineType() string {
	if model := readDeviceTreeModel(); model != "" {
		if strings.Contains(model, "Raspberry Pi") {
			return "raspberry-pi"
		}
		return strings.ToLower(strings.ReplaceAll(model, " ", "-"))
	}
	return ""
}

// readDeviceTreeModel reads the board model exposed by the device tree on
// ARM single-board computers.
func readDeviceTreeModel() string {
	data, err := os.ReadFile("/proc/device-tree/model")
	if err != nil {
		return ""
	}
	// The device tree pads the model string with a trailing NUL.
	return strings.TrimSpace(strings.Trim(string(data), "\x00"))
}

// osVersion returns a human-readable OS name and version.
func osVersion(hostInfo *host.InfoStat) string {
	osName := hostInfo.Platform
	if hostInfo.PlatformVersion != "" {
		osName += " " + hostInfo.PlatformVersion
	}
	if osName == "" {
		osName = runtime.GOOS
	}

	if runtime.GOOS == "linux" {
		if prettyName := readOSReleasePrettyName(); prettyName != "" {
			osName = prettyName
		}
	}

	return osName
}

// uname builds a platform identification string in the style of uname -a.
func uname(hostInfo *host.InfoStat) string {
	parts := []string{
		hostInfo.OS,
		hostInfo.Hostname,
		hostInfo.KernelVersion,
		hostInfo.KernelArch,
	}
	fields := parts[:0]
	for _, p := range parts {
		if p != "" {
			fields = append(fields, p)
		}
	}
	if len(fields) == 0 {
		return runtime.GOOS + " " + runtime.GOARCH
	}
	return strings.Join(fields, " ")
}

// readOSReleasePrettyName parses /etc/os-release for the PRETTY_NAME field.
func readOSReleasePrettyName() string {
	data, err := os.ReadFile("/etc/os-release")
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "PRETTY_NAME=") {
			val := strings.TrimPrefix(line, "PRETTY_NAME=")
			val = strings.Trim(val, "\"")
			return val
		}
	}
	return ""
}
