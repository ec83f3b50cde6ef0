// Package machine derives and persists the short identifier that keys this
// host's checkpoints and uploaded usage.
package machine

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

const fileName = "machine-id"

var idPattern = regexp.MustCompile(`^[0-9a-f]{8}$`)

// ID returns the machine identifier stored in dataDir, deriving and writing
// it on first use.
func ID(dataDir string) (string, error) {
	path := filepath.Join(dataDir, fileName)

	if data, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(data)); Valid(id) {
			return id, nil
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("reading machine id: %w", err)
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown-host"
	}
	id := Derive(hostname, primaryMAC())

	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return "", fmt.Errorf("creating data directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("writing machine id: %w", err)
	}
	return id, nil
}

// Derive hashes hostname and MAC into an 8 character hex identifier.
func Derive(hostname, mac string) string {
	sum := sha256.Sum256([]byte(hostname + "|" + mac))
	return hex.EncodeToString(sum[:])[:8]
}

// Valid reports whether id has the expected shape.
func Valid(id string) bool {
	return idPattern.MatchString(id)
}

// primaryMAC returns the hardware address of the first non-loopback
// interface by name, or "no-mac".
func primaryMAC() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "no-mac"
	}
	return pickMAC(ifaces)
}

func pickMAC(ifaces []net.Interface) string {
	sort.Slice(ifaces, func(i, j int) bool { return ifaces[i].Name < ifaces[j].Name })
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) == 0 {
			continue
		}
		return iface.HardwareAddr.String()
	}
	return "no-mac"
}
