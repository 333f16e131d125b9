package handler

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/jmerrifield20/chainmail/internal/chain"
	"github.com/jmerrifield20/chainmail/internal/notify"
	"github.com/jmerrifield20/chainmail/internal/reconcile"
)

var (
	chainmailChainLength = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chainmail_chain_length",
		Help: "Number of blocks in the local chain, genesis included.",
	})

	chainmailBlocksMinedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chainmail_blocks_mined_total",
		Help: "Total blocks mined by this node.",
	})

	chainmailMiningDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "chainmail_mining_duration_seconds",
		Help:    "Time spent mining a block.",
		Buckets: prometheus.ExponentialBuckets(0.0005, 4, 10),
	})

	chainmailTxTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chainmail_transactions_total",
		Help: "Submitted transactions by outcome (admitted or the rejection code).",
	}, []string{"outcome"})

	chainmailSyncRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chainmail_sync_runs_total",
		Help: "Reconciliation passes by result.",
	}, []string{"result"})

	chainmailWebhookDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chainmail_webhook_deliveries_total",
		Help: "Total webhook deliveries by success status.",
	}, []string{"status"})

	chainmailHeartbeatsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chainmail_heartbeats_total",
		Help: "Directory heartbeats by success status.",
	}, []string{"status"})
)

// RecordBlockMined records a locally mined block.
func RecordBlockMined(took time.Duration) {
	chainmailBlocksMinedTotal.Inc()
	chainmailMiningDuration.Observe(took.Seconds())
}

// SetChainLength sets the chain length gauge.
func SetChainLength(n int) {
	chainmailChainLength.Set(float64(n))
}

// RecordTxAdmitted records an accepted transaction.
func RecordTxAdmitted() {
	chainmailTxTotal.WithLabelValues("admitted").Inc()
}

// RecordTxRejected records a rejected transaction by reason code.
func RecordTxRejected(code string) {
	if code == "" {
		code = "error"
	}
	chainmailTxTotal.WithLabelValues(code).Inc()
}

// RecordSync records one reconciliation pass.
func RecordSync(replaced bool, err error) {
	switch {
	case err != nil:
		chainmailSyncRunsTotal.WithLabelValues("error").Inc()
	case replaced:
		chainmailSyncRunsTotal.WithLabelValues("replaced").Inc()
	default:
		chainmailSyncRunsTotal.WithLabelValues("kept").Inc()
	}
}

// RecordHeartbeat records a directory heartbeat attempt.
func RecordHeartbeat(success bool) {
	if success {
		chainmailHeartbeatsTotal.WithLabelValues("success").Inc()
	} else {
		chainmailHeartbeatsTotal.WithLabelValues("failure").Inc()
	}
}

// InstrumentLedger wires the ledger's hooks to the chain metrics and, when n
// is non-nil, to webhook notifications.
func InstrumentLedger(l *chain.Ledger, n *notify.Dispatcher) {
	SetChainLength(l.Len())
	if n != nil {
		n.SetMetricsRecorder(RecordWebhookDelivery)
	}
	l.SetAppendHook(func(b *chain.Block, took time.Duration) {
		RecordBlockMined(took)
		SetChainLength(b.Index + 1)
		if n != nil {
			n.Dispatch(notify.EventBlockMined, notify.BlockPayload(b))
		}
	})
	l.SetReplaceHook(func(oldLen, newLen int) {
		SetChainLength(newLen)
		if n != nil {
			n.Dispatch(notify.EventChainReplaced, notify.ReplacePayload(oldLen, newLen))
		}
	})
}

// InstrumentSyncer wires the syncer's hook to the sync metrics.
func InstrumentSyncer(s *reconcile.Syncer) {
	s.SetSyncHook(func(res reconcile.Result, _ time.Duration) {
		RecordSync(res.Replaced, nil)
	})
}

// RecordWebhookDelivery records a webhook delivery attempt.
func RecordWebhookDelivery(success bool) {
	if success {
		chainmailWebhookDeliveriesTotal.WithLabelValues("success").Inc()
	} else {
		chainmailWebhookDeliveriesTotal.WithLabelValues("failure").Inc()
	}
}
