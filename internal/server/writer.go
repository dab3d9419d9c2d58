package server

import (
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/kstaniek/go-uart-bridge/internal/bus"
	"github.com/kstaniek/go-uart-bridge/internal/metrics"
)

// startWriter launches the goroutine pushing from-serial frames to a single
// client connection. Frames are coalesced into one write per flush.
func (s *Server) startWriter(ctxDone <-chan struct{}, conn net.Conn, sub *bus.Subscription, logger *slog.Logger) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			_ = conn.Close()
			s.dropClient(sub)
			s.totalDisconnected.Add(1)
			logger.Info("client_disconnected")
		}()
		t := time.NewTicker(s.flushInterval)
		defer t.Stop()
		batch := make([]byte, 0, s.batchBytes)
		frames := 0
		flush := func() error {
			if len(batch) == 0 {
				return nil
			}
			_, err := conn.Write(batch)
			batch = batch[:0]
			n := frames
			frames = 0
			if err != nil {
				wrap := fmt.Errorf("%w: %v", ErrConnWrite, err)
				metrics.IncError(mapErrToMetric(wrap))
				s.setError(wrap)
				return wrap
			}
			metrics.AddTCPTx(n)
			return nil
		}
		for {
			select {
			case fr := <-sub.C():
				batch = append(batch, fr...)
				frames++
				if len(batch) >= s.batchBytes {
					if err := flush(); err != nil {
						return
					}
				}
			case <-t.C:
				if err := flush(); err != nil {
					return
				}
			case <-sub.Done():
				_ = flush()
				return
			case <-ctxDone:
				_ = flush()
				return
			}
		}
	}()
}
