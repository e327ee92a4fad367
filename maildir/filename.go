package maildir

import (
	"crypto/rand"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"
)

var (
	// deliveryCounter ensures unique filenames even within the same microsecond.
	deliveryCounter uint64
	// cachedHostname is set once at startup.
	cachedHostname = getHostname()
)

// generateFilename creates a unique message key.
// Format: seconds.MmicrosPpid_counter.hostname.random
// Example: 1705678901.M123456P12345_1.hostname.abc123
//
// Keys of one process sort in delivery order within a second, which is
// the order new messages are numbered in.
func generateFilename() string {
	now := time.Now()
	counter := atomic.AddUint64(&deliveryCounter, 1)
	pid := os.Getpid()

	// Generate random suffix for additional uniqueness
	randomBytes := make([]byte, 6)
	if _, err := rand.Read(randomBytes); err != nil {
		return fmt.Sprintf("%d.M%06dP%d_%d.%s", now.Unix(), now.Nanosecond()/1000, pid, counter, cachedHostname)
	}

	return fmt.Sprintf("%d.M%06dP%d_%d.%s.%x",
		now.Unix(),
		now.Nanosecond()/1000,
		pid,
		counter,
		cachedHostname,
		randomBytes,
	)
}

// getHostname returns the sanitized system hostname.
func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}
	return sanitizeHostname(hostname)
}

// sanitizeHostname replaces characters maildir reserves in filenames.
func sanitizeHostname(hostname string) string {
	hostname = strings.ReplaceAll(hostname, "/", `\057`)
	hostname = strings.ReplaceAll(hostname, ":", `\072`)
	hostname = strings.ReplaceAll(hostname, "\x00", "")
	if hostname == "" {
		return "localhost"
	}
	return hostname
}
