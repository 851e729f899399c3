package ota

import (
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/ledsaber-ota/internal/ble/protocol"
)

// reportBuffer is how many progress reports may queue before new ones are dropped.
const reportBuffer = 64

// Report is one advisory progress sample.
type Report struct {
	Sent     int // bytes written by the host
	Received int // bytes acknowledged by the device's progress characteristic
	Total    int
	Percent  int // device-reported
	Elapsed  time.Duration
}

// Throughput returns bytes per second, preferring device-confirmed bytes.
func (r Report) Throughput() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	n := r.Received
	if n == 0 {
		n = r.Sent
	}
	return float64(n) / r.Elapsed.Seconds()
}

// Snapshot is a consistent copy of the session state.
type Snapshot struct {
	Phase          protocol.Phase
	Detail         string
	BytesTotal     int
	BytesSent      int
	DeviceReceived int
	Percent        int
	UnitSize       int
	StartedAt      time.Time
}

// Fault is a latched ERROR or RECOVERY status and the phase the device was
// in just before reporting it.
type Fault struct {
	protocol.Status
	After protocol.Phase
}

// Session holds the protocol state of one update. Phase changes only come
// from device status values, through HandleStatus or UpdateStatus; the
// updater reads it and waits on Changed.
type Session struct {
	mu             sync.Mutex
	phase          protocol.Phase
	detail         string
	fault          *Fault // first ERROR or RECOVERY since BeginUpload
	bytesTotal     int
	bytesSent      int
	deviceReceived int
	percent        int
	unitSize       int
	startedAt      time.Time
	changed        chan struct{}

	reports chan Report
	now     func() time.Time
}

// NewSession creates an IDLE session with the conservative unit size.
func NewSession() *Session {
	return &Session{
		unitSize: protocol.MinChunkSize,
		changed:  make(chan struct{}),
		reports:  make(chan Report, reportBuffer),
		now:      time.Now,
	}
}

// HandleStatus is the status notification callback. Malformed values are
// logged and dropped.
func (s *Session) HandleStatus(data []byte) {
	if err := s.UpdateStatus(data); err != nil {
		slog.Warn("[OTA] ignoring malformed status", "value", string(data), "error", err)
	}
}

// UpdateStatus applies a status value read from or notified by the device.
func (s *Session) UpdateStatus(data []byte) error {
	st, err := protocol.ParseStatus(data)
	if err != nil {
		return err
	}

	s.mu.Lock()
	prev := s.phase
	s.phase = st.Phase
	s.detail = ""
	if st.Phase == protocol.PhaseError {
		s.detail = st.Detail
	}
	if (st.Phase == protocol.PhaseError || st.Phase == protocol.PhaseRecovery) && s.fault == nil {
		s.fault = &Fault{Status: st, After: prev}
	}
	ch := s.changed
	s.changed = make(chan struct{})
	s.mu.Unlock()

	close(ch)
	if prev != st.Phase {
		slog.Debug("[OTA] phase changed", "from", prev, "to", st.Phase, "detail", st.Detail)
	}
	return nil
}

// HandleProgress is the progress notification callback.
func (s *Session) HandleProgress(data []byte) {
	p, err := protocol.ParseProgress(data)
	if err != nil {
		slog.Warn("[OTA] ignoring malformed progress", "value", string(data), "error", err)
		return
	}

	s.mu.Lock()
	// Notifications can arrive reordered; counters only move forward.
	if int(p.Received) >= s.deviceReceived {
		s.deviceReceived = int(p.Received)
		s.percent = p.Percent
	}
	if s.bytesTotal > 0 && int(p.Total) != s.bytesTotal && p.Total != 0 {
		slog.Warn("[OTA] device reports a different image size", "device", p.Total, "host", s.bytesTotal)
	}
	r := s.reportLocked()
	s.mu.Unlock()

	s.publish(r)
}

// Changed returns a channel closed on the next status update. Take it before
// inspecting state to avoid missing an update.
func (s *Session) Changed() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.changed
}

// Reports is the advisory progress stream. Reports are dropped when the
// consumer falls behind; protocol decisions never depend on it.
func (s *Session) Reports() <-chan Report {
	return s.reports
}

// Phase returns the last phase reported by the device and its error text.
func (s *Session) Phase() (protocol.Phase, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase, s.detail
}

// Fault returns the first ERROR or RECOVERY status seen since BeginUpload.
// It stays set even if the device moves on, so a short-lived ERROR between
// two checks still ends the attempt.
func (s *Session) Fault() (Fault, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fault == nil {
		return Fault{}, false
	}
	return *s.fault, true
}

// UnitSize returns the DATA write size for the current link.
func (s *Session) UnitSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unitSize
}

// SetUnitSize records the chunk size derived from the live link.
func (s *Session) SetUnitSize(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unitSize = n
}

// BeginUpload resets the counters and fault latch for a new attempt.
func (s *Session) BeginUpload(total int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bytesTotal = total
	s.bytesSent = 0
	s.deviceReceived = 0
	s.percent = 0
	s.fault = nil
	s.startedAt = time.Time{}
}

// BeginData marks the start of the DATA phase for throughput reporting.
func (s *Session) BeginData() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startedAt = s.now()
}

// AddSent records n more bytes written to the data characteristic.
func (s *Session) AddSent(n int) {
	if n <= 0 {
		return
	}
	s.mu.Lock()
	s.bytesSent += n
	r := s.reportLocked()
	s.mu.Unlock()

	s.publish(r)
}

// Snapshot returns a copy of the current state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Phase:          s.phase,
		Detail:         s.detail,
		BytesTotal:     s.bytesTotal,
		BytesSent:      s.bytesSent,
		DeviceReceived: s.deviceReceived,
		Percent:        s.percent,
		UnitSize:       s.unitSize,
		StartedAt:      s.startedAt,
	}
}

// Report returns the current progress sample.
func (s *Session) Report() Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reportLocked()
}

func (s *Session) reportLocked() Report {
	r := Report{
		Sent:     s.bytesSent,
		Received: s.deviceReceived,
		Total:    s.bytesTotal,
		Percent:  s.percent,
	}
	if !s.startedAt.IsZero() {
		r.Elapsed = s.now().Sub(s.startedAt)
	}
	return r
}

func (s *Session) publish(r Report) {
	select {
	case s.reports <- r:
	default:
	}
}
