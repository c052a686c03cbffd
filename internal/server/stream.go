package server

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/Limit-LAB/limit-server/internal/event"
	"github.com/Limit-LAB/limit-server/internal/logging"
	"github.com/Limit-LAB/limit-server/internal/metrics"
	"github.com/Limit-LAB/limit-server/internal/status"
)

const (
	closePolicyViolation = ws.StatusPolicyViolation
	closeGoingAway       = ws.StatusGoingAway
)

// client is one live WebSocket receiver. Events flow from the stream
// through send into the socket; done unblocks the write pump when the
// connection is torn down from elsewhere.
type client struct {
	id          int64
	conn        net.Conn
	stream      *event.Stream
	send        chan []byte
	done        chan struct{}
	sendStrikes int32
	connectedAt time.Time
	closeOnce   sync.Once
}

// handleStream admits, authenticates and upgrades one receiver, then
// hands the connection to the pumps. Admission is checked before the
// upgrade so overload is answered with a plain 503 instead of a
// half-open socket.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if atomic.LoadInt32(&s.shuttingDown) == 1 {
		writeErrorBody(w, http.StatusServiceUnavailable, status.Exhausted, "server is shutting down")
		return
	}
	admitted, reason := s.guard.Admit()
	if !admitted {
		s.logger.Debug().Str("reason", reason).Msg("stream admission rejected")
		writeErrorBody(w, http.StatusServiceUnavailable, status.Exhausted, "server overloaded: "+reason)
		return
	}

	stream, err := s.events.OpenStream(r.Context(), r.URL.Query().Get("token"))
	if err != nil {
		s.guard.Release()
		writeError(w, err)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		stream.Close()
		s.guard.Release()
		s.logger.Error().Err(err).Str("remote_addr", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	c := &client{
		id:          atomic.AddInt64(&s.clientSeq, 1),
		conn:        conn,
		stream:      stream,
		send:        make(chan []byte, s.cfg.PendingEventLimit),
		done:        make(chan struct{}),
		connectedAt: time.Now(),
	}
	s.clients.Store(c, struct{}{})
	s.logger.Info().
		Int64("client_id", c.id).
		Str("user_id", stream.Identity().UserID).
		Str("remote_addr", r.RemoteAddr).
		Msg("stream connected")

	s.wg.Add(3)
	go s.deliverPump(c)
	go s.writePump(c)
	go s.readPump(c)
}

// disconnect tears one client down exactly once: stream, socket, slot.
func (s *Server) disconnect(c *client, reason string) {
	c.closeOnce.Do(func() {
		s.logger.Info().
			Int64("client_id", c.id).
			Str("user_id", c.stream.Identity().UserID).
			Str("reason", reason).
			Dur("connection_duration", time.Since(c.connectedAt)).
			Int("send_buffer_len", len(c.send)).
			Msg("client disconnected")
		close(c.done)
		c.stream.Close()
		_ = c.conn.Close()
		s.clients.Delete(c)
		s.guard.Release()
	})
}

func (s *Server) sendClose(c *client, code ws.StatusCode, reason string) {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = ws.WriteFrame(c.conn, ws.NewCloseFrame(ws.NewCloseFrameBody(code, reason)))
}

// deliverPump moves decoded events from the stream into the client send
// buffer. Sends never block: a full buffer counts a strike, and a
// client that keeps its buffer full across slowClientStrikes
// consecutive events is disconnected with a policy-violation close.
func (s *Server) deliverPump(c *client) {
	defer s.wg.Done()
	for ev := range c.stream.Events() {
		data, err := json.Marshal(ev)
		if err != nil {
			s.logger.Error().Err(err).Str("event_id", ev.EventID).Msg("encode event")
			continue
		}
		select {
		case c.send <- data:
			atomic.StoreInt32(&c.sendStrikes, 0)
		default:
			strikes := atomic.AddInt32(&c.sendStrikes, 1)
			atomic.AddInt64(&s.dropped, 1)
			metrics.EventsDropped.WithLabelValues(metrics.DropReasonBufferFull).Inc()
			s.logger.Warn().
				Int64("client_id", c.id).
				Int32("strikes", strikes).
				Int("buffer_cap", cap(c.send)).
				Msg("send buffer full, event dropped")
			if strikes >= slowClientStrikes {
				metrics.SlowClientsDisconnected.Inc()
				s.sendClose(c, closePolicyViolation, "too slow to keep up")
				s.disconnect(c, "slow_client")
				return
			}
		}
	}
}

// writePump owns all regular socket writes: queued events and the
// keepalive pings.
func (s *Server) writePump(c *client) {
	defer s.wg.Done()
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpText, data); err != nil {
				s.logger.Debug().Int64("client_id", c.id).Err(err).Msg("frame write failed")
				s.disconnect(c, "write_error")
				return
			}
			atomic.AddInt64(&s.delivered, 1)
			metrics.EventsDelivered.Inc()
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpPing, nil); err != nil {
				s.logger.Debug().Int64("client_id", c.id).Err(err).Msg("ping write failed")
				s.disconnect(c, "ping_error")
				return
			}
		case <-c.done:
			return
		}
	}
}

// readPump enforces the pong deadline and answers client control
// frames. The deadline is pushed on every frame, so pongs keep an
// otherwise idle connection alive.
func (s *Server) readPump(c *client) {
	// Deferred first so recovery also covers the cleanup defers below.
	defer logging.RecoverPanic(s.logger, "readPump", map[string]any{
		"client_id": c.id,
	})
	defer s.wg.Done()
	reason := "read_error"
	defer func() { s.disconnect(c, reason) }()

	controlHandler := wsutil.ControlFrameHandler(c.conn, ws.StateServerSide)
	rd := wsutil.Reader{
		Source:         c.conn,
		State:          ws.StateServerSide,
		OnIntermediate: controlHandler,
	}

	for {
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			return
		}
		hdr, err := rd.NextFrame()
		if err != nil {
			return
		}
		if hdr.OpCode.IsControl() {
			if err := controlHandler(hdr, &rd); err != nil {
				var closed wsutil.ClosedError
				if errors.As(err, &closed) {
					reason = "client_close"
				}
				return
			}
			continue
		}
		// Client data frames are not part of the protocol; drain and
		// drop them.
		if err := rd.Discard(); err != nil {
			return
		}
	}
}
