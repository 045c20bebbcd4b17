package telemetry

import (
	"fmt"
	"sync"
	"time"
)

// DefaultCooldown is the settle period after a print completes during which
// a printer is considered unavailable for its next job.
const DefaultCooldown = 60 * time.Second

// ReportFrame is the subset of a printer's telemetry "print" subobject the
// State cares about. Fields are pointers so Update can tell a field absent
// from this frame (nil, left unchanged) from one reported as zero (applied),
// matching the device's habit of only reporting fields that changed.
type ReportFrame struct {
	GlobalStatus      *int     `json:"g_st"`
	ErrorCode         *int     `json:"print_error"`
	ProgressPercent   *int     `json:"mc_percent"`
	NozzleTemperature *float64 `json:"nozzle_temper"`
	BedTemperature    *float64 `json:"bed_temper"`
}

// State is the thread-safe last-known condition of one printer. It is
// created when the printer is first registered with the fleet and mutated
// exclusively by the Telemetry Client's callback and by cooldown checks.
type State struct {
	Serial   string
	Cooldown time.Duration

	mu                 sync.Mutex
	globalStatus       int
	errorCode          int
	progressPercent    int
	nozzleTemperature  float64
	bedTemperature     float64
	connected          bool
	lastFinishWallTime time.Time
	coolingDown        bool
}

func NewState(serial string) *State {
	return &State{Serial: serial, Cooldown: DefaultCooldown, globalStatus: -1}
}

// SetConnected records the Telemetry Client's session state.
func (s *State) SetConnected(connected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = connected
}

// Snapshot is a consistent, lock-free-to-read copy of a State for status
// queries and the dispatcher's decision-making.
type Snapshot struct {
	Serial            string
	GlobalStatus      int
	ErrorCode         int
	ProgressPercent   int
	NozzleTemperature float64
	BedTemperature    float64
	Connected         bool
	CoolingDown       bool
}

func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Serial:            s.Serial,
		GlobalStatus:      s.globalStatus,
		ErrorCode:         s.errorCode,
		ProgressPercent:   s.progressPercent,
		NozzleTemperature: s.nozzleTemperature,
		BedTemperature:    s.bedTemperature,
		Connected:         s.connected,
		CoolingDown:       s.coolingDown,
	}
}

// Update applies frame under lock, overwriting each field present in the
// frame, then evaluates the two completion heuristics against the
// pre-update global_status and progress_percent. It reports whether
// global_status or progress_percent actually changed, so callers can
// throttle logging.
func (s *State) Update(frame ReportFrame, now time.Time) (changed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prevStatus := s.globalStatus
	prevProgress := s.progressPercent

	if frame.GlobalStatus != nil {
		s.globalStatus = *frame.GlobalStatus
	}
	if frame.ErrorCode != nil {
		s.errorCode = *frame.ErrorCode
	}
	if frame.ProgressPercent != nil {
		s.progressPercent = *frame.ProgressPercent
	}
	if frame.NozzleTemperature != nil {
		s.nozzleTemperature = *frame.NozzleTemperature
	}
	if frame.BedTemperature != nil {
		s.bedTemperature = *frame.BedTemperature
	}

	statusTransition := prevStatus == 6 && (s.globalStatus == 100 || s.globalStatus == 1)
	progressTransition := prevProgress < 100 && s.progressPercent == 100
	if statusTransition || progressTransition {
		s.lastFinishWallTime = now
		s.coolingDown = true
	}

	return s.globalStatus != prevStatus || s.progressPercent != prevProgress
}

// CheckCooldown clears coolingDown once Cooldown has elapsed since the last
// finish and reports whether the printer is currently NOT cooling (i.e.
// whether it's available from a cooldown standpoint alone).
func (s *State) CheckCooldown(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.coolingDown {
		return true
	}
	if now.Sub(s.lastFinishWallTime) >= s.Cooldown {
		s.coolingDown = false
		return true
	}
	return false
}

// IsSafeToPrint reports whether the printer may be handed a new job right
// now, and if not, why.
func (s *State) IsSafeToPrint(now time.Time) (bool, string) {
	if !s.CheckCooldown(now) {
		return false, "cooling"
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.globalStatus == 1 {
		return true, ""
	}
	if s.globalStatus == -1 && s.errorCode == 0 && (s.progressPercent == 0 || s.progressPercent == 100) {
		return true, ""
	}
	return false, fmt.Sprintf("status=%d error=%d progress=%d", s.globalStatus, s.errorCode, s.progressPercent)
}
