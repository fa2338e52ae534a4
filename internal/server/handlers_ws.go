package server

import (
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"

	"github.com/adred-codev/ws_fanout/internal/monitoring"
)

// handleWebSocket runs admission (shutdown, per-IP rate, resource guard),
// upgrades the socket and hands it to the coordinator.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	clientIP := getClientIP(r)

	if s.shuttingDown.Load() {
		http.Error(w, "Shutting down", http.StatusServiceUnavailable)
		return
	}

	if s.rateLimiter != nil && !s.rateLimiter.Allow(clientIP) {
		s.logger.Warn().
			Str("client_ip", clientIP).
			Msg("Connection rate limited")
		http.Error(w, "Too many connection attempts", http.StatusTooManyRequests)
		return
	}

	if ok, reason := s.guard.Acquire(); !ok {
		s.logger.Warn().
			Str("client_ip", clientIP).
			Str("reason", reason).
			Msg("Connection rejected by resource guard")
		monitoring.ConnectionsFailed.Inc()
		http.Error(w, "Capacity exceeded", http.StatusServiceUnavailable)
		return
	}

	netConn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.guard.Release()
		monitoring.ConnectionsFailed.Inc()
		s.logger.Error().
			Err(err).
			Str("client_ip", clientIP).
			Msg("Upgrade failed")
		return
	}

	c := newWSConn(netConn, clientAddr(r, clientIP), r.Header.Get("User-Agent"), s.config.SendBufferSize)
	s.clients.Store(c, struct{}{})
	atomic.AddInt64(&s.stats.TotalConnections, 1)
	atomic.AddInt64(&s.stats.CurrentConnections, 1)

	c.id = s.coordinator.Open(c)

	s.logger.Debug().
		Str("session_id", c.id).
		Str("client_ip", clientIP).
		Dur("setup", time.Since(startTime)).
		Msg("Client connected")

	s.pumps.Add(2)
	go s.writePump(c)
	go s.readPump(c)
}

// getClientIP prefers the first X-Forwarded-For hop over RemoteAddr.
func getClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// clientAddr keeps the peer port when the address was not rewritten by a
// proxy.
func clientAddr(r *http.Request, clientIP string) string {
	if r.Header.Get("X-Forwarded-For") != "" {
		return clientIP
	}
	return r.RemoteAddr
}
