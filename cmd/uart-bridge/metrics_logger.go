package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-uart-bridge/internal/metrics"
)

func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				snap := metrics.Snap()
				l.Info("metrics_snapshot",
					"serial_rx", snap.SerialRx,
					"serial_tx", snap.SerialTx,
					"serial_reopens", snap.SerialReopens,
					"usb_rx", snap.USBRx,
					"usb_tx", snap.USBTx,
					"usb_sessions", snap.USBSessions,
					"ble_rx", snap.BLERx,
					"ble_tx", snap.BLETx,
					"ble_drops", snap.BLEDrops,
					"tcp_rx", snap.TCPRx,
					"tcp_tx", snap.TCPTx,
					"bus_published", snap.BusPublished,
					"bus_received", snap.BusReceived,
					"bus_drops", snap.BusDrops,
					"queue_shed", snap.QueueShed,
					"hub_drops", snap.HubDrops,
					"errors", snap.Errors,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}
