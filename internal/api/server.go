// Package api serves the session control API over HTTPS and HTTP/3 from
// one self-signed certificate.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/cadence/internal/audio"
	"github.com/zsiec/cadence/internal/certs"
	"github.com/zsiec/cadence/internal/player"
	"github.com/zsiec/cadence/internal/session"
	"github.com/zsiec/cadence/internal/stats"
)

// Config wires a Server.
type Config struct {
	// Addr is shared by the TCP and UDP listeners.
	Addr     string
	Cert     *certs.Cert
	Sessions *session.Manager
	Log      *slog.Logger
}

// Server is the control API.
type Server struct {
	cfg Config
	log *slog.Logger
	h3  *http3.Server
}

// NewServer validates cfg and creates a Server.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Cert == nil {
		return nil, errors.New("api: Cert is required")
	}
	if cfg.Sessions == nil {
		return nil, errors.New("api: Sessions is required")
	}
	if cfg.Addr == "" {
		return nil, errors.New("api: Addr is required")
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	s := &Server{cfg: cfg, log: log.With("component", "api")}
	s.h3 = &http3.Server{
		Addr:      cfg.Addr,
		Handler:   s.routes(),
		TLSConfig: http3.ConfigureTLSConfig(cfg.Cert.TLSConfig()),
		QUICConfig: &quic.Config{
			MaxIdleTimeout: 30 * time.Second,
		},
	}
	return s, nil
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/sessions", s.handleCreate)
	mux.HandleFunc("GET /api/sessions", s.handleList)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleGet)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleDelete)
	mux.HandleFunc("POST /api/sessions/{id}/pause", s.control(func(p *player.Player, _ *http.Request) error {
		return p.Pause()
	}))
	mux.HandleFunc("POST /api/sessions/{id}/resume", s.control(func(p *player.Player, _ *http.Request) error {
		return p.Resume()
	}))
	mux.HandleFunc("POST /api/sessions/{id}/seek", s.control(func(p *player.Player, r *http.Request) error {
		var req struct {
			PositionMs *int64 `json:"positionMs"`
		}
		if err := decodeBody(r, &req); err != nil || req.PositionMs == nil {
			return player.ErrParameter
		}
		return p.Seek(*req.PositionMs)
	}))
	mux.HandleFunc("POST /api/sessions/{id}/loop", s.control(func(p *player.Player, r *http.Request) error {
		var req struct {
			Loop *bool `json:"loop"`
		}
		if err := decodeBody(r, &req); err != nil || req.Loop == nil {
			return player.ErrParameter
		}
		return p.SetLoop(*req.Loop)
	}))
	mux.HandleFunc("POST /api/sessions/{id}/mute", s.control(func(p *player.Player, r *http.Request) error {
		var req struct {
			Mute *bool `json:"mute"`
		}
		if err := decodeBody(r, &req); err != nil || req.Mute == nil {
			return player.ErrParameter
		}
		p.SetMute(*req.Mute)
		return nil
	}))
	mux.HandleFunc("GET /api/audio", s.handleAudioGet)
	mux.HandleFunc("PUT /api/audio", s.handleAudioPut)
	mux.HandleFunc("GET /api/cert-hash", s.handleCertHash)
	return corsMiddleware(mux)
}

// Handler returns the API handler with HTTP/3 advertised through Alt-Svc.
func (s *Server) Handler() http.Handler {
	next := s.h3.Handler
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := s.h3.SetQUICHeaders(w.Header()); err != nil {
			s.log.Debug("alt-svc header", "error", err)
		}
		next.ServeHTTP(w, r)
	})
}

// Start serves HTTPS on TCP and HTTP/3 on UDP until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		TLSConfig:         s.cfg.Cert.TLSConfig("h2", "http/1.1"),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.Info("HTTPS API server listening", "addr", s.cfg.Addr)
		if err := srv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api: https: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		s.log.Info("HTTP/3 API server listening", "addr", s.cfg.Addr)
		err := s.h3.ListenAndServe()
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("api: http3: %w", err)
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return errors.Join(srv.Shutdown(shutdownCtx), s.h3.Close())
	})
	return g.Wait()
}

// sessionDetail is the response of GET /api/sessions/{id}.
type sessionDetail struct {
	session.Info
	Stats stats.Snapshot `json:"stats"`
}

type resultResponse struct {
	Code int `json:"code"`
}

type audioState struct {
	Volume int    `json:"volume"`
	Mute   bool   `json:"mute"`
	Device string `json:"device"`
}

type certHashResponse struct {
	Hash string `json:"hash"`
	Hex  string `json:"hex"`
	Addr string `json:"addr"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req session.Request
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, player.ResultParameterError, err.Error())
		return
	}
	sess, err := s.cfg.Sessions.Create(r.Context(), req)
	if err != nil {
		writeResultError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess.Info())
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	list := s.cfg.Sessions.List()
	out := make([]session.Info, len(list))
	for i, sess := range list {
		out[i] = sess.Info()
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	sess, err := s.cfg.Sessions.Get(r.PathValue("id"))
	if err != nil {
		writeResultError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionDetail{Info: sess.Info(), Stats: sess.Player.Stats()})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Sessions.Remove(r.PathValue("id")); err != nil {
		writeResultError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resultResponse{Code: player.ResultDone})
}

// control adapts a player call to a handler answering with its result
// code.
func (s *Server) control(fn func(*player.Player, *http.Request) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, err := s.cfg.Sessions.Get(r.PathValue("id"))
		if err != nil {
			writeResultError(w, err)
			return
		}
		err = fn(sess.Player, r)
		if err != nil && !errors.Is(err, player.ErrAlreadyDone) {
			writeResultError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resultResponse{Code: player.ResultCode(err)})
	}
}

func (s *Server) audioState() audioState {
	m := s.cfg.Sessions.Audio()
	return audioState{Volume: m.Volume(), Mute: m.Muted(), Device: m.Device()}
}

func (s *Server) handleAudioGet(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.audioState())
}

func (s *Server) handleAudioPut(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Volume *int    `json:"volume"`
		Mute   *bool   `json:"mute"`
		Device *string `json:"device"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, player.ResultParameterError, err.Error())
		return
	}
	if req.Volume != nil && (*req.Volume < 0 || *req.Volume > audio.MaxVolume) {
		writeError(w, http.StatusBadRequest, player.ResultParameterError,
			fmt.Sprintf("volume must be within [0, %d]", audio.MaxVolume))
		return
	}
	m := s.cfg.Sessions.Audio()
	if req.Volume != nil {
		m.SetVolume(*req.Volume)
	}
	if req.Mute != nil {
		m.SetMute(*req.Mute)
	}
	if req.Device != nil && *req.Device != "" {
		m.SetDevice(*req.Device)
	}
	writeJSON(w, http.StatusOK, s.audioState())
}

func (s *Server) handleCertHash(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, certHashResponse{
		Hash: s.cfg.Cert.FingerprintBase64(),
		Hex:  s.cfg.Cert.FingerprintHex(),
		Addr: s.cfg.Addr,
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// writeResultError maps a session or player error to a status and result
// code.
func writeResultError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		writeError(w, http.StatusNotFound, player.ResultFailed, err.Error())
	case errors.Is(err, player.ErrParameter):
		writeError(w, http.StatusBadRequest, player.ResultParameterError, err.Error())
	case errors.Is(err, player.ErrLive), errors.Is(err, player.ErrNotPlaying), errors.Is(err, player.ErrNotStarted):
		writeError(w, http.StatusConflict, player.ResultFailed, err.Error())
	default:
		writeError(w, http.StatusBadGateway, player.ResultCode(err), err.Error())
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status, code int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg, "code": code})
}
