package hw

import (
	"os"
	"strconv"
	"sync/atomic"
	"time"
)

// simRunning and simSPS are process-wide, mirroring the way the reference
// simulation couples a SimScale's growth to whatever a SimMotor elsewhere
// in the process reports as running — a single simulated load cell reacts
// to a single simulated motor.
var (
	simRunning atomic.Bool
	simSPS     atomic.Uint32
)

// SimScale is a minimal simulated load cell. While a SimMotor in the same
// process is running, each Read adds DOSER_TEST_SIM_INC grams (if set) and
// returns the result as raw centigram counts.
type SimScale struct {
	grams float64
}

// NewSimScale returns a SimScale starting at zero grams.
func NewSimScale() *SimScale { return &SimScale{} }

func (s *SimScale) Read(timeout time.Duration) (int32, error) {
	if n := envUint("DOSER_TEST_SIM_TIMEOUT"); n > 0 {
		sleepFor := timeout
		if cap := 10 * time.Millisecond; sleepFor > cap {
			sleepFor = cap
		}
		time.Sleep(sleepFor)
		return 0, ErrTimeout
	}

	delta := envFloat("DOSER_TEST_SIM_INC")
	if simRunning.Load() && delta != 0 {
		s.grams += delta
		if s.grams < 0 {
			s.grams = 0
		}
	}
	return int32(s.grams * 100), nil
}

// SimMotor is a minimal simulated stepper motor: it tracks speed and
// running state, and mirrors both into the process-wide flags SimScale
// reads.
type SimMotor struct {
	speedSPS uint32
	running  bool
}

// NewSimMotor returns a stopped SimMotor.
func NewSimMotor() *SimMotor { return &SimMotor{} }

func (m *SimMotor) Start() error {
	m.running = true
	simRunning.Store(true)
	return nil
}

func (m *SimMotor) SetSpeed(sps uint32) error {
	m.speedSPS = sps
	simSPS.Store(sps)
	return nil
}

func (m *SimMotor) Stop() error {
	m.speedSPS = 0
	m.running = false
	simSPS.Store(0)
	simRunning.Store(false)
	return nil
}

func envUint(key string) uint64 {
	v, ok := os.LookupEnv(key)
	if !ok {
		return 0
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func envFloat(key string) float64 {
	v, ok := os.LookupEnv(key)
	if !ok {
		return 0
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0
	}
	return f
}
