package client

import (
	"math/rand"
	"time"
)

const syncIDAlphabet = "abcdefghijklmnopqrstuvwxyz"
const syncIDLength = 12

// makeSyncID returns a random per-cycle token the server uses to correlate
// concurrent sync attempts from the same device.
func makeSyncID() string {
	b := make([]byte, syncIDLength)
	for i := range b {
		b[i] = syncIDAlphabet[rand.Intn(len(syncIDAlphabet))]
	}
	return string(b)
}

// diskSchedule tracks when the next disk-usage report is due. Disk reporting
// runs at its own cadence, decoupled from the poll rate.
type diskSchedule struct {
	next     time.Time
	interval time.Duration
}

// newDiskSchedule starts with a report due immediately.
func newDiskSchedule(now time.Time, interval time.Duration) *diskSchedule {
	return &diskSchedule{next: now, interval: interval}
}

// dueAndAdvance reports whether a disk report is due. When due, the next
// occurrence is re-armed relative to now, not to the prior scheduled time, so
// a late tick never causes a catch-up burst.
func (d *diskSchedule) dueAndAdvance(now time.Time) bool {
	if now.Before(d.next) {
		return false
	}
	d.next = now.Add(d.interval)
	return true
}
