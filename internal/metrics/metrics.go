package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-uart-bridge/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus collectors
var (
	SerialRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "serial_rx_frames_total",
		Help: "Total frames read from the serial port.",
	})
	SerialTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "serial_tx_frames_total",
		Help: "Total frames written to the serial port.",
	})
	SerialReopens = promauto.NewCounter(prometheus.CounterOpts{
		Name: "serial_reopens_total",
		Help: "Serial handle reopens triggered by the health monitor.",
	})
	SerialLinkActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "serial_link_active",
		Help: "1 while the serial link is ACTIVE, 0 while STALLED.",
	})
	USBRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "usb_rx_frames_total",
		Help: "Total frames read from the accessory bulk IN endpoint.",
	})
	USBTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "usb_tx_frames_total",
		Help: "Total frames written to the accessory bulk OUT endpoint.",
	})
	USBHandshakes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "usb_handshakes_total",
		Help: "Accessory handshakes by result.",
	}, []string{"result"})
	USBSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "usb_sessions_total",
		Help: "Bridging sessions started with an accessory-mode device.",
	})
	BLERxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ble_rx_frames_total",
		Help: "Total RX characteristic writes received from the central.",
	})
	BLETxNotifications = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ble_tx_notifications_total",
		Help: "Total TX characteristic notifications sent.",
	})
	BLENotifyDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ble_notify_dropped_frames_total",
		Help: "Frames dropped because notifications were disabled.",
	})
	TCPRxChunks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcp_rx_chunks_total",
		Help: "Total chunks received from TCP tap clients.",
	})
	TCPTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcp_tx_frames_total",
		Help: "Total frames sent to TCP tap clients.",
	})
	BusPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bus_published_frames_total",
		Help: "Frames handed to the bus per topic.",
	}, []string{"topic"})
	BusReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bus_received_frames_total",
		Help: "Frames received from the bus per topic.",
	}, []string{"topic"})
	BusPublishDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bus_publish_dropped_frames_total",
		Help: "Frames dropped because the publish buffer was full.",
	})
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pending_queue_depth",
		Help: "Frames waiting in a pending queue.",
	}, []string{"queue"})
	QueueShedFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pending_queue_shed_frames_total",
		Help: "Frames discarded by a pending queue overflow.",
	}, []string{"queue"})
	HubDroppedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_dropped_frames_total",
		Help: "Total frames dropped by the fan-out hub due to slow subscribers.",
	})
	HubKickedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_kicked_clients_total",
		Help: "Total subscribers disconnected due to backpressure kick policy.",
	})
	HubRejectedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_rejected_clients_total",
		Help: "Total TCP tap connection attempts rejected (max-clients).",
	})
	HubActiveClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_active_clients",
		Help: "Current number of hub subscribers.",
	})
	HubBroadcastFanout = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_broadcast_fanout",
		Help: "Number of subscribers targeted in the most recent broadcast.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date", "role"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrSerialOpen    = "serial_open"
	ErrSerialRead    = "serial_read"
	ErrSerialWrite   = "serial_write"
	ErrUSBEnumerate  = "usb_enumerate"
	ErrUSBHandshake  = "usb_handshake"
	ErrUSBEndpoints  = "usb_endpoints"
	ErrUSBRead       = "usb_read"
	ErrUSBWrite      = "usb_write"
	ErrBLERegister   = "ble_register"
	ErrBLENotify     = "ble_notify"
	ErrBusPublish    = "bus_publish"
	ErrBusReceive    = "bus_receive"
	ErrBusSubscribe  = "bus_subscribe"
	ErrTCPRead       = "tcp_read"
	ErrTCPWrite      = "tcp_write"
	ErrTCPAccept     = "tcp_accept"
	ErrUnclassified  = "other"
	HandshakeOK      = "ok"
	HandshakeFailed  = "failed"
	HandshakeSkipped = "already_accessory"
)

// StartHTTP serves Prometheus metrics at /metrics and readiness at /ready.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for log snapshots without scraping.
var (
	localSerialRx     atomic.Uint64
	localSerialTx     atomic.Uint64
	localSerialReopen atomic.Uint64
	localUSBRx        atomic.Uint64
	localUSBTx        atomic.Uint64
	localUSBSessions  atomic.Uint64
	localBLERx        atomic.Uint64
	localBLETx        atomic.Uint64
	localBLEDrops     atomic.Uint64
	localTCPRx        atomic.Uint64
	localTCPTx        atomic.Uint64
	localBusPub       atomic.Uint64
	localBusRecv      atomic.Uint64
	localBusDrops     atomic.Uint64
	localQueueShed    atomic.Uint64
	localHubDrop      atomic.Uint64
	localHubKick      atomic.Uint64
	localHubReject    atomic.Uint64
	localHubClients   atomic.Uint64
	localErrors       atomic.Uint64
)

// Snapshot is a cheap copy of the local counters.
type Snapshot struct {
	SerialRx      uint64
	SerialTx      uint64
	SerialReopens uint64
	USBRx         uint64
	USBTx         uint64
	USBSessions   uint64
	BLERx         uint64
	BLETx         uint64
	BLEDrops      uint64
	TCPRx         uint64
	TCPTx         uint64
	BusPublished  uint64
	BusReceived   uint64
	BusDrops      uint64
	QueueShed     uint64
	HubDrops      uint64
	HubKicks      uint64
	HubRejects    uint64
	HubClients    uint64
	Errors        uint64 // sum across error labels
}

func Snap() Snapshot {
	return Snapshot{
		SerialRx:      localSerialRx.Load(),
		SerialTx:      localSerialTx.Load(),
		SerialReopens: localSerialReopen.Load(),
		USBRx:         localUSBRx.Load(),
		USBTx:         localUSBTx.Load(),
		USBSessions:   localUSBSessions.Load(),
		BLERx:         localBLERx.Load(),
		BLETx:         localBLETx.Load(),
		BLEDrops:      localBLEDrops.Load(),
		TCPRx:         localTCPRx.Load(),
		TCPTx:         localTCPTx.Load(),
		BusPublished:  localBusPub.Load(),
		BusReceived:   localBusRecv.Load(),
		BusDrops:      localBusDrops.Load(),
		QueueShed:     localQueueShed.Load(),
		HubDrops:      localHubDrop.Load(),
		HubKicks:      localHubKick.Load(),
		HubRejects:    localHubReject.Load(),
		HubClients:    localHubClients.Load(),
		Errors:        localErrors.Load(),
	}
}

func IncSerialRx() {
	SerialRxFrames.Inc()
	localSerialRx.Add(1)
}

func IncSerialTx() {
	SerialTxFrames.Inc()
	localSerialTx.Add(1)
}

func IncSerialReopen() {
	SerialReopens.Inc()
	localSerialReopen.Add(1)
}

// SetSerialLinkActive records the current link health state.
func SetSerialLinkActive(active bool) {
	if active {
		SerialLinkActive.Set(1)
		return
	}
	SerialLinkActive.Set(0)
}

func IncUSBRx() {
	USBRxFrames.Inc()
	localUSBRx.Add(1)
}

func IncUSBTx() {
	USBTxFrames.Inc()
	localUSBTx.Add(1)
}

func IncUSBSession() {
	USBSessions.Inc()
	localUSBSessions.Add(1)
}

func IncUSBHandshake(result string) { USBHandshakes.WithLabelValues(result).Inc() }

func IncBLERx() {
	BLERxFrames.Inc()
	localBLERx.Add(1)
}

func IncBLETx() {
	BLETxNotifications.Inc()
	localBLETx.Add(1)
}

func IncBLENotifyDrop() {
	BLENotifyDrops.Inc()
	localBLEDrops.Add(1)
}

func IncTCPRx() {
	TCPRxChunks.Inc()
	localTCPRx.Add(1)
}

func AddTCPTx(n int) {
	TCPTxFrames.Add(float64(n))
	localTCPTx.Add(uint64(n))
}

func IncBusPublished(topic string) {
	BusPublished.WithLabelValues(topic).Inc()
	localBusPub.Add(1)
}

func IncBusReceived(topic string) {
	BusReceived.WithLabelValues(topic).Inc()
	localBusRecv.Add(1)
}

func IncBusPublishDrop() {
	BusPublishDrops.Inc()
	localBusDrops.Add(1)
}

// SetQueueDepth records the current length of a named pending queue.
func SetQueueDepth(queue string, n int) { QueueDepth.WithLabelValues(queue).Set(float64(n)) }

// AddQueueShed counts frames discarded by a pending queue overflow.
func AddQueueShed(queue string, n int) {
	QueueShedFrames.WithLabelValues(queue).Add(float64(n))
	localQueueShed.Add(uint64(n))
}

func IncHubDrop() {
	HubDroppedFrames.Inc()
	localHubDrop.Add(1)
}

func IncHubKick() {
	HubKickedClients.Inc()
	localHubKick.Add(1)
}

func IncHubReject() {
	HubRejectedClients.Inc()
	localHubReject.Add(1)
}

func SetHubClients(n int) {
	HubActiveClients.Set(float64(n))
	localHubClients.Store(uint64(n))
}

func SetBroadcastFanout(n int) { HubBroadcastFanout.Set(float64(n)) }

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	localErrors.Add(1)
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date, role string) {
	BuildInfo.WithLabelValues(version, commit, date, role).Set(1)
	// Pre-register error series so dashboards see zeroes instead of gaps.
	for _, lbl := range []string{
		ErrSerialOpen, ErrSerialRead, ErrSerialWrite,
		ErrUSBEnumerate, ErrUSBHandshake, ErrUSBEndpoints, ErrUSBRead, ErrUSBWrite,
		ErrBLERegister, ErrBLENotify,
		ErrBusPublish, ErrBusReceive, ErrBusSubscribe,
		ErrTCPRead, ErrTCPWrite, ErrTCPAccept,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil { // not wired yet: report ready so probes do not flap during startup
		return true
	}
	return fn()
}
