// Package autoscaler turns queue pressure and pool utilization into
// scale recommendations on a fixed cadence.
package autoscaler

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/drovekit/drover/pkg/log"
	"github.com/drovekit/drover/pkg/metrics"
	"github.com/drovekit/drover/pkg/monitor"
	"github.com/drovekit/drover/pkg/pool"
	"github.com/drovekit/drover/pkg/provider"
	"github.com/drovekit/drover/pkg/queue"
	"github.com/drovekit/drover/pkg/types"
)

// Defaults applied when a pool's policy leaves thresholds unset.
const (
	DefaultScaleUpThreshold   = 0.8
	DefaultScaleDownThreshold = 0.3

	// scaleDownConfidence is the floor below which a shrink proposal
	// is withheld.
	scaleDownConfidence = 0.8

	// historyWindow is how many utilization samples each pool keeps.
	historyWindow = 10

	// minSamples is how many samples a pool needs before a shrink can
	// be judged at all.
	minSamples = 3
)

// Action is the evaluator's recommendation for one pool.
type Action string

const (
	ActionScaleUp          Action = "scale-up"
	ActionScaleDown        Action = "scale-down"
	ActionMaintain         Action = "maintain"
	ActionInsufficientData Action = "insufficient-data"
)

// Evaluation is the outcome of judging one pool.
type Evaluation struct {
	PoolID      string
	PoolName    string
	CurrentSize int
	Recommended int
	Action      Action
	Reason      string
	Confidence  float64
	Metrics     *types.PoolMetrics
	EvaluatedAt time.Time
}

// Config wires a Scaler's inputs.
type Config struct {
	Queue   *queue.Queue
	Pools   *pool.Manager
	Monitor *monitor.Monitor

	// Clock overrides time.Now for tests.
	Clock func() time.Time
}

// Scaler judges every pool against queue pressure and utilization
// history and proposes size changes. It never scales anything itself;
// the coordinator feeds actionable evaluations to the pool manager.
type Scaler struct {
	queue   *queue.Queue
	pools   *pool.Manager
	monitor *monitor.Monitor
	now     func() time.Time
	logger  zerolog.Logger

	mu          sync.Mutex
	utilization map[string][]float64 // rolling window per pool
	lastAction  map[string]time.Time // cooldown anchor per pool
}

// New builds an auto-scaler.
func New(cfg Config) *Scaler {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Scaler{
		queue:       cfg.Queue,
		pools:       cfg.Pools,
		monitor:     cfg.Monitor,
		now:         cfg.Clock,
		logger:      log.WithComponent("autoscaler"),
		utilization: make(map[string][]float64),
		lastAction:  make(map[string]time.Time),
	}
}

// Evaluate judges every registered pool and returns one evaluation per
// pool, in pool-name order.
func (s *Scaler) Evaluate() []*Evaluation {
	pools := s.pools.ListPools()
	evaluations := make([]*Evaluation, 0, len(pools))
	for _, p := range pools {
		evaluation := s.evaluatePool(p)
		metrics.AutoscaleEvaluations.WithLabelValues(string(evaluation.Action)).Inc()
		if evaluation.Action == ActionScaleUp || evaluation.Action == ActionScaleDown {
			s.logger.Info().
				Str("pool_id", evaluation.PoolID).
				Str("action", string(evaluation.Action)).
				Int("current", evaluation.CurrentSize).
				Int("recommended", evaluation.Recommended).
				Float64("confidence", evaluation.Confidence).
				Str("reason", evaluation.Reason).
				Msg("Scale recommendation")
		}
		evaluations = append(evaluations, evaluation)
	}
	s.dropStalePools(pools)
	return evaluations
}

// MarkExecuted records that a recommendation was carried out, starting
// the pool's cooldown.
func (s *Scaler) MarkExecuted(poolID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastAction[poolID] = s.now()
}

func (s *Scaler) evaluatePool(p *types.Pool) *Evaluation {
	now := s.now()
	evaluation := &Evaluation{
		PoolID:      p.ID,
		PoolName:    p.Name,
		CurrentSize: p.CurrentSize,
		Recommended: p.CurrentSize,
		Action:      ActionMaintain,
		EvaluatedAt: now,
	}

	poolMetrics, err := s.pools.Metrics(p.ID)
	if err != nil {
		evaluation.Action = ActionInsufficientData
		evaluation.Reason = "pool metrics unavailable"
		return evaluation
	}
	evaluation.Metrics = poolMetrics
	evaluation.CurrentSize = poolMetrics.CurrentSize
	evaluation.Recommended = poolMetrics.CurrentSize

	samples := s.recordUtilization(p.ID, poolMetrics)

	if p.Status != types.PoolStatusActive {
		evaluation.Reason = fmt.Sprintf("pool is %s", p.Status)
		return evaluation
	}

	upThreshold := p.Policy.ScaleUpThreshold
	if upThreshold <= 0 {
		upThreshold = DefaultScaleUpThreshold
	}
	downThreshold := p.Policy.ScaleDownThreshold
	if downThreshold <= 0 {
		downThreshold = DefaultScaleDownThreshold
	}

	pressure := 0
	if s.queue != nil && p.Template != nil {
		pressure = s.queue.MatchingCount(p.Template.Capabilities)
	}
	idle := poolMetrics.ReadyWorkers

	// Growth first: waiting jobs beyond idle capacity want one worker
	// each, clamped to the policy maximum.
	if pressure > idle {
		target := clamp(poolMetrics.CurrentSize+(pressure-idle), p.Policy.MinWorkers, p.Policy.MaxWorkers)
		if target > poolMetrics.CurrentSize {
			if s.inCooldown(p, now) {
				evaluation.Reason = "cooldown active"
				return evaluation
			}
			evaluation.Action = ActionScaleUp
			evaluation.Recommended = s.capToCapacity(p, poolMetrics.CurrentSize, target)
			evaluation.Confidence = 1.0
			evaluation.Reason = fmt.Sprintf("%d queued jobs exceed %d idle workers", pressure, idle)
			if evaluation.Recommended == poolMetrics.CurrentSize {
				evaluation.Action = ActionMaintain
				evaluation.Confidence = 0
				evaluation.Reason = "queue pressure but no provider capacity"
			}
			return evaluation
		}
	}

	// Sustained high utilization grows by a quarter even without a
	// visible queue (jobs may be arriving as fast as they finish).
	if poolMetrics.Utilization >= upThreshold && poolMetrics.CurrentSize < p.Policy.MaxWorkers {
		if s.inCooldown(p, now) {
			evaluation.Reason = "cooldown active"
			return evaluation
		}
		step := poolMetrics.CurrentSize / 4
		if step < 1 {
			step = 1
		}
		target := clamp(poolMetrics.CurrentSize+step, p.Policy.MinWorkers, p.Policy.MaxWorkers)
		evaluation.Action = ActionScaleUp
		evaluation.Recommended = s.capToCapacity(p, poolMetrics.CurrentSize, target)
		evaluation.Confidence = 0.9
		evaluation.Reason = fmt.Sprintf("utilization %.2f above threshold %.2f", poolMetrics.Utilization, upThreshold)
		if evaluation.Recommended == poolMetrics.CurrentSize {
			evaluation.Action = ActionMaintain
			evaluation.Confidence = 0
			evaluation.Reason = "high utilization but no provider capacity"
		}
		return evaluation
	}

	// Shrink path. Nothing to shrink at the floor.
	if poolMetrics.CurrentSize <= p.Policy.MinWorkers {
		evaluation.Reason = "at minimum size"
		return evaluation
	}

	if len(samples) < minSamples {
		evaluation.Action = ActionInsufficientData
		evaluation.Reason = fmt.Sprintf("%d of %d utilization samples", len(samples), minSamples)
		return evaluation
	}

	confidence := shrinkConfidence(pressure, samples, downThreshold)
	evaluation.Confidence = confidence
	if confidence < scaleDownConfidence {
		evaluation.Reason = fmt.Sprintf("shrink confidence %.2f below %.2f", confidence, scaleDownConfidence)
		return evaluation
	}

	if s.inCooldown(p, now) {
		evaluation.Reason = "cooldown active"
		return evaluation
	}

	step := poolMetrics.CurrentSize / 4
	if step < 1 {
		step = 1
	}
	evaluation.Action = ActionScaleDown
	evaluation.Recommended = clamp(poolMetrics.CurrentSize-step, p.Policy.MinWorkers, p.Policy.MaxWorkers)
	evaluation.Reason = fmt.Sprintf("sustained utilization below %.2f with empty queue", downThreshold)
	return evaluation
}

// recordUtilization appends the sample and returns the window.
func (s *Scaler) recordUtilization(poolID string, m *types.PoolMetrics) []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	window := append(s.utilization[poolID], m.Utilization)
	if len(window) > historyWindow {
		window = window[len(window)-historyWindow:]
	}
	s.utilization[poolID] = window

	out := make([]float64, len(window))
	copy(out, window)
	return out
}

// dropStalePools forgets history for pools that no longer exist.
func (s *Scaler) dropStalePools(pools []*types.Pool) {
	alive := make(map[string]struct{}, len(pools))
	for _, p := range pools {
		alive[p.ID] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.utilization {
		if _, ok := alive[id]; !ok {
			delete(s.utilization, id)
			delete(s.lastAction, id)
		}
	}
}

func (s *Scaler) inCooldown(p *types.Pool, now time.Time) bool {
	if p.Policy.Cooldown <= 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	last, ok := s.lastAction[p.ID]
	return ok && now.Sub(last) < p.Policy.Cooldown
}

// capToCapacity trims a scale-up target to what the provider can still
// hold, per the monitor's latest capacity view. Without a monitor or a
// probe the target passes through; the pool manager re-checks anyway.
func (s *Scaler) capToCapacity(p *types.Pool, current, target int) int {
	if s.monitor == nil || p.Template == nil {
		return target
	}
	avail := s.monitor.Availability(p.Provider)
	if avail == nil {
		return target
	}
	req, err := provider.ParseRequests(p.Template.Resources.CPU, p.Template.Resources.Memory, p.Template.Resources.Storage)
	if err != nil {
		return target
	}

	fits := target - current
	if req.CPUMillis > 0 {
		if byCPU := int(avail.AvailableCPU / req.CPUMillis); byCPU < fits {
			fits = byCPU
		}
	}
	if req.MemoryBytes > 0 {
		if byMem := int(avail.AvailableMemory / req.MemoryBytes); byMem < fits {
			fits = byMem
		}
	}
	if fits < 0 {
		fits = 0
	}
	return current + fits
}

// shrinkConfidence scores how safe a scale-down is: half the score for
// an empty queue, half for the share of window samples below the
// threshold. A busy queue or a recent utilization spike keeps the
// score under the action floor.
func shrinkConfidence(pressure int, samples []float64, downThreshold float64) float64 {
	confidence := 0.0
	if pressure == 0 {
		confidence += 0.5
	}

	below := 0
	for _, sample := range samples {
		if sample < downThreshold {
			below++
		}
	}
	confidence += 0.5 * float64(below) / float64(len(samples))
	return confidence
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
