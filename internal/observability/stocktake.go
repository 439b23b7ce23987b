package observability

import "github.com/prometheus/client_golang/prometheus"

// StockTakeMetrics mencatat aktivitas stock-take: hitungan, verifikasi rak dan penyelesaian sesi.
type StockTakeMetrics struct {
	counts      prometheus.Counter
	verified    *prometheus.CounterVec
	completed   prometheus.Counter
	adjustments prometheus.Counter
}

// NewStockTakeMetrics mendaftarkan kolektor stock-take ke registerer yang diberikan.
func NewStockTakeMetrics(registerer prometheus.Registerer) *StockTakeMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	counts := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pharmacore_stocktake_counts_recorded_total",
		Help: "Jumlah baris hitungan yang dicatat.",
	})
	verified := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pharmacore_stocktake_shelves_verified_total",
		Help: "Jumlah verifikasi rak berdasarkan hasil.",
	}, []string{"outcome"})
	completed := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pharmacore_stocktake_sessions_completed_total",
		Help: "Jumlah sesi stock-take yang diselesaikan.",
	})
	adjustments := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pharmacore_stocktake_adjustment_lines_total",
		Help: "Jumlah baris penyesuaian ledger hasil rekonsiliasi.",
	})
	registerer.MustRegister(counts, verified, completed, adjustments)
	return &StockTakeMetrics{counts: counts, verified: verified, completed: completed, adjustments: adjustments}
}

// CountRecorded menambah penghitung baris hitungan.
func (m *StockTakeMetrics) CountRecorded() {
	if m == nil {
		return
	}
	m.counts.Inc()
}

// ShelfVerified mencatat persetujuan atau penolakan rak.
func (m *StockTakeMetrics) ShelfVerified(outcome string) {
	if m == nil {
		return
	}
	m.verified.WithLabelValues(outcome).Inc()
}

// SessionCompleted mencatat sesi selesai beserta jumlah baris penyesuaiannya.
func (m *StockTakeMetrics) SessionCompleted(adjustments int) {
	if m == nil {
		return
	}
	m.completed.Inc()
	if adjustments > 0 {
		m.adjustments.Add(float64(adjustments))
	}
}
