package transaction

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// UnknownShard is passed to OnError when the failure is not tied to a shard.
const UnknownShard = -1

// Logger receives transaction lifecycle events from the coordinator. NopLogger
// is the default; implementations must tolerate concurrent calls since 2PC
// phases run shard steps in parallel.
type Logger interface {
	OnPrepare(txID string, shardIDs []int)
	OnVote(txID string, shardID int, vote bool)
	OnCommit(txID string, shardIDs []int)
	OnRollback(txID string, shardIDs []int, reason string)
	OnComplete(txID string, state State, duration time.Duration)
	OnError(txID string, err error, shardID int)
}

// NopLogger discards every event.
type NopLogger struct{}

func (NopLogger) OnPrepare(string, []int)                 {}
func (NopLogger) OnVote(string, int, bool)                {}
func (NopLogger) OnCommit(string, []int)                  {}
func (NopLogger) OnRollback(string, []int, string)        {}
func (NopLogger) OnComplete(string, State, time.Duration) {}
func (NopLogger) OnError(string, error, int)              {}

// ZapLogger writes transaction events through a zap logger.
type ZapLogger struct {
	log *zap.Logger
}

// NewZapLogger wraps log as a transaction Logger.
func NewZapLogger(log *zap.Logger) *ZapLogger {
	if log == nil {
		log = zap.NewNop()
	}
	return &ZapLogger{log: log}
}

func (l *ZapLogger) OnPrepare(txID string, shardIDs []int) {
	l.log.Info("transaction prepare phase started",
		zap.String("tx_id", txID), zap.Ints("shard_ids", shardIDs))
}

func (l *ZapLogger) OnVote(txID string, shardID int, vote bool) {
	l.log.Info("shard voted",
		zap.String("tx_id", txID), zap.Int("shard_id", shardID), zap.Bool("vote", vote))
}

func (l *ZapLogger) OnCommit(txID string, shardIDs []int) {
	l.log.Info("transaction commit phase started",
		zap.String("tx_id", txID), zap.Ints("shard_ids", shardIDs))
}

func (l *ZapLogger) OnRollback(txID string, shardIDs []int, reason string) {
	l.log.Warn("transaction rolling back",
		zap.String("tx_id", txID), zap.Ints("shard_ids", shardIDs), zap.String("reason", reason))
}

func (l *ZapLogger) OnComplete(txID string, state State, duration time.Duration) {
	l.log.Info("transaction completed",
		zap.String("tx_id", txID), zap.Stringer("state", state), zap.Duration("duration", duration))
}

func (l *ZapLogger) OnError(txID string, err error, shardID int) {
	fields := []zap.Field{zap.String("tx_id", txID), zap.Error(err)}
	if shardID != UnknownShard {
		fields = append(fields, zap.Int("shard_id", shardID))
	}
	l.log.Error("transaction error", fields...)
}

// MetricsLogger records transaction outcomes as Prometheus metrics.
type MetricsLogger struct {
	completed *prometheus.CounterVec
	votes     *prometheus.CounterVec
	errors    prometheus.Counter
	duration  prometheus.Histogram
}

// NewMetricsLogger registers transaction metrics on reg and returns the
// logger feeding them. Pass prometheus.DefaultRegisterer for the default
// registry.
func NewMetricsLogger(reg prometheus.Registerer) *MetricsLogger {
	factory := promauto.With(reg)
	return &MetricsLogger{
		completed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gojoshard_transactions_total",
			Help: "Completed cross-shard transactions by final state.",
		}, []string{"state"}),
		votes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gojoshard_transaction_votes_total",
			Help: "Prepare-phase shard votes by outcome.",
		}, []string{"vote"}),
		errors: factory.NewCounter(prometheus.CounterOpts{
			Name: "gojoshard_transaction_errors_total",
			Help: "Errors observed during transaction phases.",
		}),
		duration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "gojoshard_transaction_duration_seconds",
			Help:    "Wall time from begin to terminal state.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

func (m *MetricsLogger) OnPrepare(string, []int) {}

func (m *MetricsLogger) OnVote(_ string, _ int, vote bool) {
	if vote {
		m.votes.WithLabelValues("yes").Inc()
	} else {
		m.votes.WithLabelValues("no").Inc()
	}
}

func (m *MetricsLogger) OnCommit(string, []int) {}

func (m *MetricsLogger) OnRollback(string, []int, string) {}

func (m *MetricsLogger) OnComplete(_ string, state State, duration time.Duration) {
	m.completed.WithLabelValues(state.String()).Inc()
	m.duration.Observe(duration.Seconds())
}

func (m *MetricsLogger) OnError(string, error, int) {
	m.errors.Inc()
}
