// Package register implements interactive device provisioning: it writes the
// serial and auth token files the sync engine resolves at startup.
package register

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/term"

	"tuxagent/pkg/config"
)

// Run prompts for the device serial and auth token and stores them.
func Run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	serial, err := promptSerial(cfg)
	if err != nil {
		return err
	}

	fmt.Print("Auth token (input hidden): ")
	tokenBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return fmt.Errorf("reading auth token: %w", err)
	}
	token := strings.TrimSpace(string(tokenBytes))
	if token == "" {
		return fmt.Errorf("auth token must not be empty")
	}

	if err := writeSecret(cfg.Device.SerialFile, serial); err != nil {
		return err
	}
	if err := writeSecret(cfg.Device.AuthFile, token); err != nil {
		return err
	}

	fmt.Printf("Device %s registered. Start the agent with: tuxagent run\n", serial)
	return nil
}

// promptSerial keeps an existing serial unless the operator enters a new one.
func promptSerial(cfg *config.Config) (string, error) {
	current, _ := cfg.Device.ResolveSerial()
	if current != "" {
		fmt.Printf("Serial [%s]: ", current)
	} else {
		fmt.Print("Serial: ")
	}

	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("reading serial: %w", err)
	}
	serial := strings.TrimSpace(line)
	if serial == "" {
		serial = current
	}
	if serial == "" {
		return "", fmt.Errorf("serial must not be empty")
	}
	return serial, nil
}

func writeSecret(path, value string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating directory for %s: %w", path, err)
	}
	if err := os.WriteFile(path, []byte(value+"\n"), 0600); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}
