package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	apperrors "github.com/louisbranch/codecollab/internal/platform/errors"
	"github.com/louisbranch/codecollab/internal/platform/metrics"
	"github.com/louisbranch/codecollab/internal/platform/timeouts"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/net/websocket"
)

const (
	maxFramesPerSecond     = 40
	maxDecodeErrorsPerConn = 3

	// outboundBufferFrames is how many frames may wait for a slow client
	// before it is disconnected.
	outboundBufferFrames = 256
)

var (
	errPeerClosed   = errors.New("peer is closed")
	errOutboundFull = errors.New("outbound buffer is full")
)

// wsPeer queues frames for one WebSocket. Send never blocks: it is called
// while a room holds its lock. A client that cannot keep up is dropped
// instead of stalling the room.
type wsPeer struct {
	id        string
	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newWSPeer(id string) *wsPeer {
	return &wsPeer{
		id:   id,
		out:  make(chan []byte, outboundBufferFrames),
		done: make(chan struct{}),
	}
}

func (p *wsPeer) ID() string {
	return p.id
}

func (p *wsPeer) Send(event string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", event, err)
	}
	data, err := json.Marshal(wsFrame{Type: event, Payload: body})
	if err != nil {
		return fmt.Errorf("marshal %s frame: %w", event, err)
	}

	select {
	case <-p.done:
		return errPeerClosed
	default:
	}
	select {
	case p.out <- data:
		return nil
	default:
		metrics.OutboundDropped.Inc()
		p.close()
		return errOutboundFull
	}
}

func (p *wsPeer) close() {
	p.closeOnce.Do(func() { close(p.done) })
}

// writeLoop delivers queued frames until the peer closes, then flushes what
// is already queued and closes the socket so the reader unblocks.
func (p *wsPeer) writeLoop(conn *websocket.Conn, logger zerolog.Logger) {
	defer func() {
		_ = conn.Close()
	}()
	write := func(data []byte) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(timeouts.OutboundWrite))
		if err := websocket.Message.Send(conn, string(data)); err != nil {
			logger.Debug().Err(err).Str("conn_id", p.id).Msg("websocket write failed")
			p.close()
			return false
		}
		return true
	}
	for {
		select {
		case data := <-p.out:
			if !write(data) {
				return
			}
		case <-p.done:
			for {
				select {
				case data := <-p.out:
					if !write(data) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (s *service) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	mux.HandleFunc("/languages", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(s.engine.Languages()); err != nil {
			s.logger.Error().Err(err).Msg("encode languages")
		}
	})

	mux.Handle("/metrics", promhttp.Handler())

	wsHandler := websocket.Handler(s.handleWSConn)
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		wsHandler.ServeHTTP(w, r)
	})

	return mux
}

func (s *service) handleWSConn(conn *websocket.Conn) {
	conn.MaxPayloadBytes = s.maxFrameBytes
	peer := newWSPeer(uuid.NewString())
	if !s.track(peer) {
		_ = conn.Close()
		return
	}
	metrics.ConnectionsActive.Inc()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		peer.writeLoop(conn, s.logger)
	}()

	session := s.router.Connect(peer)
	defer func() {
		s.router.Disconnect(session)
		peer.close()
		<-writerDone
		s.untrack(peer)
		metrics.ConnectionsActive.Dec()
	}()

	windowStart := time.Now()
	framesInWindow := 0
	decodeErrors := 0

	for {
		var data []byte
		if err := websocket.Message.Receive(conn, &data); err != nil {
			if errors.Is(err, websocket.ErrFrameTooLarge) {
				decodeErrors++
				s.reject(session, wsFrame{}, apperrors.New(apperrors.CodeProtocol, "frame payload too large"))
				if decodeErrors >= maxDecodeErrorsPerConn {
					return
				}
				continue
			}
			if !errors.Is(err, io.EOF) {
				s.logger.Debug().Err(err).Str("conn_id", peer.ID()).Msg("connection lost")
			}
			return
		}

		var frame wsFrame
		if err := json.Unmarshal(data, &frame); err != nil || frame.Type == "" {
			decodeErrors++
			s.reject(session, wsFrame{}, apperrors.New(apperrors.CodeProtocol, "invalid frame"))
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			continue
		}
		decodeErrors = 0

		now := time.Now()
		if now.Sub(windowStart) >= time.Second {
			windowStart = now
			framesInWindow = 0
		}
		framesInWindow++
		if framesInWindow > maxFramesPerSecond {
			s.reject(session, frame, apperrors.New(apperrors.CodeRateLimited, "rate limit exceeded"))
			return
		}

		s.router.Dispatch(session, frame)
	}
}

func (s *service) reject(conn *Connection, frame wsFrame, err error) {
	s.router.fail(conn, frame, err)
}
