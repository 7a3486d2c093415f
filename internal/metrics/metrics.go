// Package metrics exposes Prometheus instrumentation for the fulfillment
// engine and its HTTP API
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the engine
// エンジンのPrometheusコレクターを保持
type Metrics struct {
	StockMutations   *prometheus.CounterVec // reason別の在庫変動数
	AssembliesTotal  prometheus.Counter     // 組立成功数
	AssemblyFailures prometheus.Counter     // 組立失敗数
	SeizuresTotal    prometheus.Counter     // 再引当パス数
	SeizedUnitsTotal prometheus.Counter     // 回収在庫総数
	LowStockEvents   prometheus.Counter     // 低在庫イベント数
	ProductionOrders *prometheus.CounterVec // status別の製造指図作成数
	RequestDuration  *prometheus.HistogramVec
}

// New creates and registers the engine metrics on the given registerer
// 指定レジストラにエンジンメトリクスを作成・登録
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		StockMutations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fulfillment_stock_mutations_total",
			Help: "Number of committed stock mutations by reason",
		}, []string{"reason"}),
		AssembliesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "fulfillment_assemblies_total",
			Help: "Number of successfully assembled orders",
		}),
		AssemblyFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "fulfillment_assembly_failures_total",
			Help: "Number of assembly attempts rejected for insufficient stock",
		}),
		SeizuresTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "fulfillment_seizures_total",
			Help: "Number of committed priority seizure passes",
		}),
		SeizedUnitsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "fulfillment_seized_units_total",
			Help: "Total stock units reclaimed by priority seizures",
		}),
		LowStockEvents: factory.NewCounter(prometheus.CounterOpts{
			Name: "fulfillment_low_stock_events_total",
			Help: "Number of low stock threshold crossings",
		}),
		ProductionOrders: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fulfillment_production_orders_total",
			Help: "Number of production orders created by initial status",
		}, []string{"status"}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fulfillment_http_request_duration_seconds",
			Help:    "HTTP request latency by route and status code",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "code"}),
	}
}

// Default creates metrics on the default Prometheus registerer
// デフォルトのPrometheusレジストラにメトリクスを作成
func Default() *Metrics {
	return New(prometheus.DefaultRegisterer)
}

// statusRecorder captures the response status code
// レスポンスのステータスコードを捕捉
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

// InstrumentHandler wraps an HTTP handler with request duration recording
// HTTPハンドラーをリクエスト所要時間の記録でラップ
func (m *Metrics) InstrumentHandler(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(recorder, r)
		m.RequestDuration.WithLabelValues(r.Method, route, strconv.Itoa(recorder.code)).
			Observe(time.Since(start).Seconds())
	})
}
