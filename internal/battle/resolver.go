// Package battle resolves one armed position against a live price stream.
package battle

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/agentarena/internal/domain"
)

const (
	DefaultBaseDuration = 300 * time.Second
	DefaultMinDuration  = 30 * time.Second
	DefaultHistoryCap   = 300

	minSpeed = 1
	maxSpeed = 5
)

// Params describes the position being resolved.
type Params struct {
	MatchID     string
	Symbol      string
	Direction   domain.Direction
	EntryPrice  float64
	TargetPrice float64
	StopPrice   float64
	// Speed compresses the battle clock. Values outside 1..5 are clamped.
	Speed int
}

// Options tunes timing. Zero values take the package defaults.
type Options struct {
	BaseDuration time.Duration
	MinDuration  time.Duration
	HistoryCap   int
	Now          func() time.Time
	// AfterFunc arms the timeout. It returns a function that disarms it.
	AfterFunc func(d time.Duration, f func()) (stop func() bool)
}

func (o Options) withDefaults() Options {
	if o.BaseDuration <= 0 {
		o.BaseDuration = DefaultBaseDuration
	}
	if o.MinDuration <= 0 {
		o.MinDuration = DefaultMinDuration
	}
	if o.HistoryCap <= 0 {
		o.HistoryCap = DefaultHistoryCap
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.AfterFunc == nil {
		o.AfterFunc = func(d time.Duration, f func()) func() bool {
			return time.AfterFunc(d, f).Stop
		}
	}
	return o
}

// Duration is max(floor, base/speed) with speed clamped to 1..5.
func Duration(base, floor time.Duration, speed int) time.Duration {
	d := base / time.Duration(clampSpeed(speed))
	if d < floor {
		return floor
	}
	return d
}

func clampSpeed(s int) int {
	if s < minSpeed {
		return minSpeed
	}
	if s > maxSpeed {
		return maxSpeed
	}
	return s
}

// Resolver owns exactly one price subscription and one timer for the life of
// a battle. Ticks and the timeout race for the status field under mu; the
// first to observe BattleRunning resolves, every later caller is a no-op.
type Resolver struct {
	params   Params
	opts     Options
	duration time.Duration
	feed     domain.PriceFeed
	onUpdate func(domain.BattleState)
	logger   *slog.Logger

	mu        sync.Mutex
	state     domain.BattleState
	hasPrice  bool
	started   bool
	sub       domain.Subscription
	stopTimer func() bool

	destroyed atomic.Bool
	done      chan struct{}
	closeOnce sync.Once

	emitMu       sync.Mutex
	finalEmitted bool
}

// New validates p and builds an unarmed resolver. onUpdate receives every
// live snapshot and exactly one terminal snapshot.
func New(p Params, feed domain.PriceFeed, onUpdate func(domain.BattleState), opts Options, logger *slog.Logger) (*Resolver, error) {
	if err := validate(p); err != nil {
		return nil, err
	}
	if feed == nil {
		return nil, fmt.Errorf("%w: nil price feed", domain.ErrInvalidBattle)
	}
	if logger == nil {
		logger = slog.Default()
	}
	opts = opts.withDefaults()
	p.Speed = clampSpeed(p.Speed)

	r := &Resolver{
		params:   p,
		opts:     opts,
		duration: Duration(opts.BaseDuration, opts.MinDuration, p.Speed),
		feed:     feed,
		onUpdate: onUpdate,
		logger: logger.With(
			slog.String("component", "battle_resolver"),
			slog.String("match_id", p.MatchID),
		),
		done: make(chan struct{}),
	}
	r.state = domain.BattleState{
		Status:         domain.BattleRunning,
		Symbol:         p.Symbol,
		Direction:      p.Direction,
		EntryPrice:     p.EntryPrice,
		TargetPrice:    p.TargetPrice,
		StopPrice:      p.StopPrice,
		CurrentPrice:   p.EntryPrice,
		HighSinceEntry: p.EntryPrice,
		LowSinceEntry:  p.EntryPrice,
		Duration:       r.duration,
		History:        make([]domain.PriceTick, 0, opts.HistoryCap),
	}
	return r, nil
}

func validate(p Params) error {
	for name, v := range map[string]float64{"entry": p.EntryPrice, "target": p.TargetPrice, "stop": p.StopPrice} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
			return fmt.Errorf("%w: %s price %v must be finite and positive", domain.ErrInvalidBattle, name, v)
		}
	}
	switch p.Direction {
	case domain.DirectionLong:
		if p.TargetPrice <= p.EntryPrice || p.StopPrice > p.EntryPrice {
			return fmt.Errorf("%w: LONG needs stop <= entry < target, got stop=%v entry=%v target=%v",
				domain.ErrInvalidBattle, p.StopPrice, p.EntryPrice, p.TargetPrice)
		}
	case domain.DirectionShort:
		if p.TargetPrice >= p.EntryPrice || p.StopPrice < p.EntryPrice {
			return fmt.Errorf("%w: SHORT needs target < entry <= stop, got target=%v entry=%v stop=%v",
				domain.ErrInvalidBattle, p.TargetPrice, p.EntryPrice, p.StopPrice)
		}
	default:
		return fmt.Errorf("%w: direction %q is not tradeable", domain.ErrInvalidBattle, p.Direction)
	}
	return nil
}

// Duration returns the derived wall-clock ceiling.
func (r *Resolver) Duration() time.Duration { return r.duration }

// Done is closed once the resolver has released its subscription and timer.
func (r *Resolver) Done() <-chan struct{} { return r.done }

// Start subscribes to the feed and arms the timeout. Cancelling ctx has the
// same effect as Destroy.
func (r *Resolver) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.destroyed.Load() {
		r.mu.Unlock()
		return fmt.Errorf("battle %s: resolver destroyed", r.params.MatchID)
	}
	if r.started {
		r.mu.Unlock()
		return fmt.Errorf("battle %s: already started", r.params.MatchID)
	}
	r.started = true
	r.state.StartedAt = r.opts.Now()
	r.mu.Unlock()

	// Subscribe outside mu: a feed may deliver the first tick synchronously.
	sub, err := r.feed.Subscribe(ctx, r.params.Symbol, r.onTick)
	if err != nil {
		r.Destroy()
		return fmt.Errorf("battle %s: subscribe %s: %w", r.params.MatchID, r.params.Symbol, err)
	}

	r.mu.Lock()
	if r.state.Status != domain.BattleRunning || r.destroyed.Load() {
		r.mu.Unlock()
		sub.Unsubscribe()
		return nil
	}
	r.sub = sub
	r.stopTimer = r.opts.AfterFunc(r.duration, r.onTimeout)
	r.mu.Unlock()

	r.logger.Info("battle armed",
		slog.String("symbol", r.params.Symbol),
		slog.String("direction", string(r.params.Direction)),
		slog.Float64("entry", r.params.EntryPrice),
		slog.Float64("target", r.params.TargetPrice),
		slog.Float64("stop", r.params.StopPrice),
		slog.Duration("duration", r.duration),
	)

	go func() {
		select {
		case <-ctx.Done():
			r.Destroy()
		case <-r.done:
		}
	}()
	return nil
}

// Destroy releases the subscription and timer without resolving. It is
// idempotent, safe after resolution, and never calls onUpdate.
func (r *Resolver) Destroy() {
	if r.destroyed.Swap(true) {
		return
	}
	r.mu.Lock()
	release := r.detach()
	r.mu.Unlock()
	release()
}

// Snapshot returns a copy of the current state.
func (r *Resolver) Snapshot() domain.BattleState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshot()
}

func (r *Resolver) onTick(tick domain.PriceTick) {
	p := tick.Price
	if math.IsNaN(p) || math.IsInf(p, 0) || p <= 0 {
		return
	}

	r.mu.Lock()
	if r.state.Status != domain.BattleRunning || r.destroyed.Load() {
		r.mu.Unlock()
		return
	}
	now := r.opts.Now()
	if tick.Time.IsZero() {
		tick.Time = now
	}
	r.apply(tick, now)

	if status := r.check(p); status != domain.BattleRunning {
		snap, release := r.finalize(status, p, now)
		r.mu.Unlock()
		release()
		r.emit(snap)
		return
	}
	snap := r.snapshot()
	r.mu.Unlock()
	r.emit(snap)
}

func (r *Resolver) onTimeout() {
	r.mu.Lock()
	if r.state.Status != domain.BattleRunning || r.destroyed.Load() {
		r.mu.Unlock()
		return
	}
	price := r.params.EntryPrice
	if r.hasPrice {
		price = r.state.CurrentPrice
	}
	// A flat position counts as a loss.
	status := domain.BattleTimeoutLoss
	if r.signed(price) > 0 {
		status = domain.BattleTimeoutWin
	}
	snap, release := r.finalize(status, price, r.opts.Now())
	r.mu.Unlock()
	release()
	r.emit(snap)
}

// apply folds one accepted tick into state. Caller holds mu.
func (r *Resolver) apply(tick domain.PriceTick, now time.Time) {
	s := &r.state
	if len(s.History) >= r.opts.HistoryCap {
		n := copy(s.History, s.History[len(s.History)-r.opts.HistoryCap+1:])
		s.History = s.History[:n]
	}
	s.History = append(s.History, tick)

	r.hasPrice = true
	s.HighSinceEntry = math.Max(s.HighSinceEntry, tick.Price)
	s.LowSinceEntry = math.Min(s.LowSinceEntry, tick.Price)

	entry := r.params.EntryPrice
	up := (s.HighSinceEntry - entry) / entry * 100
	down := (entry - s.LowSinceEntry) / entry * 100
	if r.params.Direction == domain.DirectionShort {
		up, down = down, up
	}
	s.MaxRunUp = math.Max(s.MaxRunUp, up)
	s.MaxDrawDown = math.Max(s.MaxDrawDown, down)

	s.DistanceToTarget = progress(tick.Price, entry, r.params.TargetPrice)
	s.DistanceToStop = progress(tick.Price, entry, r.params.StopPrice)

	r.mark(tick.Price, now)
}

// mark sets price-derived and clock-derived fields. Caller holds mu.
func (r *Resolver) mark(price float64, now time.Time) {
	s := &r.state
	s.CurrentPrice = price
	s.PnLAbsolute = r.signed(price)
	s.PnLPercent = s.PnLAbsolute / r.params.EntryPrice * 100
	s.Elapsed = now.Sub(s.StartedAt)
	if s.Elapsed < 0 {
		s.Elapsed = 0
	}
	s.TimeProgress = math.Min(100, float64(s.Elapsed)/float64(r.duration)*100)
}

// check applies the take-profit test before the stop-loss test.
func (r *Resolver) check(price float64) domain.BattleStatus {
	switch r.params.Direction {
	case domain.DirectionLong:
		if price >= r.params.TargetPrice {
			return domain.BattleTP
		}
		if price <= r.params.StopPrice {
			return domain.BattleSL
		}
	case domain.DirectionShort:
		if price <= r.params.TargetPrice {
			return domain.BattleTP
		}
		if price >= r.params.StopPrice {
			return domain.BattleSL
		}
	}
	return domain.BattleRunning
}

// finalize freezes the terminal state and detaches from the feed and timer.
// Caller holds mu and must run the returned release after unlocking.
func (r *Resolver) finalize(status domain.BattleStatus, exit float64, now time.Time) (domain.BattleState, func()) {
	r.mark(exit, now)
	s := &r.state
	s.Status = status
	s.Result = status
	s.ExitPrice = exit
	at := now
	s.ExitTime = &at
	if risk := math.Abs(r.params.EntryPrice - r.params.StopPrice); risk > 0 {
		s.RAchieved = r.signed(exit) / risk
	}

	r.logger.Info("battle resolved",
		slog.String("result", string(status)),
		slog.Float64("exit", exit),
		slog.Float64("pnl_pct", s.PnLPercent),
		slog.Float64("r", s.RAchieved),
		slog.Duration("elapsed", s.Elapsed),
	)
	return r.snapshot(), r.detach()
}

// detach hands back a func releasing the subscription and timer. Caller
// holds mu.
func (r *Resolver) detach() func() {
	sub, stop := r.sub, r.stopTimer
	r.sub, r.stopTimer = nil, nil
	return func() {
		if stop != nil {
			stop()
		}
		if sub != nil {
			sub.Unsubscribe()
		}
		r.closeOnce.Do(func() { close(r.done) })
	}
}

// emit delivers s unless the terminal snapshot has already gone out.
func (r *Resolver) emit(s domain.BattleState) {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()
	if r.finalEmitted {
		return
	}
	final := s.Status.Terminal()
	if !final && r.destroyed.Load() {
		return
	}
	r.finalEmitted = final
	if r.onUpdate != nil {
		r.onUpdate(s)
	}
}

func (r *Resolver) signed(price float64) float64 {
	if r.params.Direction == domain.DirectionShort {
		return r.params.EntryPrice - price
	}
	return price - r.params.EntryPrice
}

// snapshot copies state including the history slice. Caller holds mu.
func (r *Resolver) snapshot() domain.BattleState {
	s := r.state
	s.History = append([]domain.PriceTick(nil), r.state.History...)
	if r.state.ExitTime != nil {
		t := *r.state.ExitTime
		s.ExitTime = &t
	}
	return s
}

// progress is the share of the way from entry to level, clamped to [0,100].
func progress(price, entry, level float64) float64 {
	span := level - entry
	if span == 0 {
		return 0
	}
	pct := (price - entry) / span * 100
	return math.Max(0, math.Min(100, pct))
}
