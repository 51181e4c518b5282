package netvar

import "time"

// rateMonitor counts per-device requests over a trailing window. It only
// observes; callers decide what to do when the threshold is crossed, and
// nothing is ever dropped on its account.
type rateMonitor struct {
	threshold int
	devices   map[string]*deviceRate
}

type deviceRate struct {
	windowStart time.Time
	count       int
	warned      bool
}

func newRateMonitor(threshold int) rateMonitor {
	return rateMonitor{
		threshold: threshold,
		devices:   make(map[string]*deviceRate),
	}
}

// observe counts one request for the device and returns true exactly once
// per window when the count crosses the threshold.
func (m *rateMonitor) observe(deviceID string, now time.Time) bool {
	d := m.devices[deviceID]
	if d == nil {
		d = &deviceRate{windowStart: now}
		m.devices[deviceID] = d
	}
	if now.Sub(d.windowStart) >= monitorWindow {
		d.windowStart = now
		d.count = 0
		d.warned = false
	}

	d.count++
	if d.count > m.threshold && !d.warned {
		d.warned = true
		return true
	}
	return false
}

// forget drops the device's window state. Called when the device-ID purge
// retires the device.
func (m *rateMonitor) forget(deviceID string) {
	delete(m.devices, deviceID)
}
