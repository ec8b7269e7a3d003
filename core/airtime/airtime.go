// Package airtime tracks how long this node's radio spends on air.
//
// The Ledger keeps three views of the same stream of airtime records:
//   - hourly totals per category for the last PeriodsToLog hours
//   - channel utilisation (everything heard or sent) over the last minute
//   - transmit utilisation over the last hour, used for duty-cycle limits
package airtime

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	// PeriodsToLog is the number of hourly periods kept per category.
	PeriodsToLog = 8
	// PeriodLength is the length of one logged period.
	PeriodLength = time.Hour

	// ChannelUtilPeriods and ChannelUtilPeriodLength define the rolling
	// channel utilisation window (one minute).
	ChannelUtilPeriods      = 6
	ChannelUtilPeriodLength = 10 * time.Second

	// TxUtilPeriods and TxUtilPeriodLength define the rolling transmit
	// utilisation window (one hour).
	TxUtilPeriods      = 60
	TxUtilPeriodLength = time.Minute

	// MaxChannelUtilPercent is the channel utilisation above which only
	// essential traffic should be sent.
	MaxChannelUtilPercent = 40
	// PoliteChannelUtilPercent is the threshold used for non-essential traffic.
	PoliteChannelUtilPercent = 25
	// PoliteDutyCyclePercent is the share of a regional duty cycle this node
	// allows itself.
	PoliteDutyCyclePercent = 50
)

// Category identifies what kind of airtime is being recorded.
type Category int

const (
	// ReceivedAll covers every frame heard, valid or not.
	ReceivedAll Category = iota
	// ReceivedGood covers frames that were decoded and delivered.
	ReceivedGood
	// Transmitted covers frames this node sent.
	Transmitted
)

func (c Category) String() string {
	switch c {
	case ReceivedAll:
		return "rx_all"
	case ReceivedGood:
		return "rx"
	case Transmitted:
		return "tx"
	default:
		return fmt.Sprintf("unknown(%d)", int(c))
	}
}

// ParseCategory is the inverse of Category.String.
func ParseCategory(s string) (Category, error) {
	switch s {
	case "rx_all":
		return ReceivedAll, nil
	case "rx":
		return ReceivedGood, nil
	case "tx":
		return Transmitted, nil
	default:
		return 0, fmt.Errorf("unknown airtime category %q", s)
	}
}

// Recorder is the single operation the radio needs from an airtime
// accountant. Implementations must not block.
type Recorder interface {
	Record(category Category, d time.Duration)
}

// Entry is one airtime record.
type Entry struct {
	Category Category
	Duration time.Duration
	At       time.Time
}

// Journal persists airtime entries so a Ledger can be restored after restart.
type Journal interface {
	Append(e Entry) error
}

// Config configures a Ledger.
type Config struct {
	// Journal, if non-nil, receives every recorded entry.
	Journal Journal
	// Logger for journal failures. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Ledger is the default Recorder. It is safe for concurrent use.
type Ledger struct {
	cfg Config
	log *slog.Logger

	mu       sync.Mutex
	periods  [3]ring // indexed by Category
	chanUtil ring
	txUtil   ring
	nowFn    func() time.Time // overridable for testing
}

// New creates an empty Ledger.
func New(cfg Config) *Ledger {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	l := &Ledger{
		cfg:      cfg,
		log:      logger.WithGroup("airtime"),
		chanUtil: newRing(ChannelUtilPeriods, ChannelUtilPeriodLength),
		txUtil:   newRing(TxUtilPeriods, TxUtilPeriodLength),
		nowFn:    time.Now,
	}
	for i := range l.periods {
		l.periods[i] = newRing(PeriodsToLog, PeriodLength)
	}
	return l
}

// Record adds d to the given category at the current time.
func (l *Ledger) Record(category Category, d time.Duration) {
	e := Entry{Category: category, Duration: d, At: l.nowFn()}
	l.add(e)

	if l.cfg.Journal != nil {
		if err := l.cfg.Journal.Append(e); err != nil {
			l.log.Warn("failed to journal airtime", "category", category, "error", err)
		}
	}
}

// Restore replays previously journaled entries. Entries older than the
// retained windows are ignored.
func (l *Ledger) Restore(entries []Entry) {
	for _, e := range entries {
		l.add(e)
	}
}

func (l *Ledger) add(e Entry) {
	if e.Category < ReceivedAll || e.Category > Transmitted {
		return
	}
	now := l.nowFn()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.periods[e.Category].add(e.At, now, e.Duration)
	l.chanUtil.add(e.At, now, e.Duration)
	if e.Category == Transmitted {
		l.txUtil.add(e.At, now, e.Duration)
	}
}

// Periods returns the hourly totals for a category, newest first.
func (l *Ledger) Periods(category Category) []time.Duration {
	if category < ReceivedAll || category > Transmitted {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.periods[category].values(l.nowFn())
}

// ChannelUtilizationPercent returns the share of the last minute during which
// the channel was busy with frames this node heard or sent.
func (l *Ledger) ChannelUtilizationPercent() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	total := l.chanUtil.sum(l.nowFn())
	return percentOf(total, ChannelUtilPeriods*ChannelUtilPeriodLength)
}

// UtilizationTXPercent returns the share of the last hour this node spent
// transmitting.
func (l *Ledger) UtilizationTXPercent() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	total := l.txUtil.sum(l.nowFn())
	return percentOf(total, TxUtilPeriods*TxUtilPeriodLength)
}

// IsTxAllowedChannelUtil reports whether the channel is quiet enough to send.
// Polite senders use the lower threshold.
func (l *Ledger) IsTxAllowedChannelUtil(polite bool) bool {
	limit := float64(MaxChannelUtilPercent)
	if polite {
		limit = PoliteChannelUtilPercent
	}
	return l.ChannelUtilizationPercent() < limit
}

// IsTxAllowedAirUtil reports whether another transmission stays within the
// polite share of a regional duty cycle. Regions without a duty cycle limit
// (100%) always allow transmission.
func (l *Ledger) IsTxAllowedAirUtil(dutyCyclePercent float64) bool {
	if dutyCyclePercent >= 100 {
		return true
	}
	return l.UtilizationTXPercent() < dutyCyclePercent*PoliteDutyCyclePercent/100
}

func percentOf(d, window time.Duration) float64 {
	return float64(d) / float64(window) * 100
}

// ring is a circular set of fixed-length time buckets. Each bucket remembers
// which absolute period it holds so stale buckets are ignored without a
// background ticker.
type ring struct {
	length  time.Duration
	totals  []time.Duration
	periods []int64
}

func newRing(n int, length time.Duration) ring {
	r := ring{
		length:  length,
		totals:  make([]time.Duration, n),
		periods: make([]int64, n),
	}
	for i := range r.periods {
		r.periods[i] = -1
	}
	return r
}

func (r *ring) period(t time.Time) int64 {
	return t.UnixNano() / int64(r.length)
}

func (r *ring) live(p, current int64) bool {
	return p >= 0 && p <= current && current-p < int64(len(r.totals))
}

func (r *ring) add(at, now time.Time, d time.Duration) {
	p := r.period(at)
	if !r.live(p, r.period(now)) {
		return
	}
	idx := int(p % int64(len(r.totals)))
	if r.periods[idx] != p {
		r.periods[idx] = p
		r.totals[idx] = 0
	}
	r.totals[idx] += d
}

func (r *ring) sum(now time.Time) time.Duration {
	current := r.period(now)
	var total time.Duration
	for i, p := range r.periods {
		if r.live(p, current) {
			total += r.totals[i]
		}
	}
	return total
}

// values returns one total per period, newest first.
func (r *ring) values(now time.Time) []time.Duration {
	current := r.period(now)
	n := int64(len(r.totals))
	out := make([]time.Duration, n)
	for i := int64(0); i < n; i++ {
		p := current - i
		if p < 0 {
			break
		}
		idx := int(p % n)
		if r.periods[idx] == p {
			out[i] = r.totals[idx]
		}
	}
	return out
}
