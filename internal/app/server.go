// Package app hosts the realtime HTTP/WebSocket process: session token
// issuance, the presence map feed, and wave submission all terminate here.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/nearwave/nearwave/internal/auth"
	"github.com/nearwave/nearwave/internal/ingest/mqttingest"
	"github.com/nearwave/nearwave/internal/match"
	matchstorage "github.com/nearwave/nearwave/internal/match/storage"
	"github.com/nearwave/nearwave/internal/match/storage/sqlite"
	"github.com/nearwave/nearwave/internal/platform/id"
	"github.com/nearwave/nearwave/internal/presence/store/memory"
)

const (
	defaultReadHeaderTimeout = 5 * time.Second
	defaultShutdownTimeout   = 10 * time.Second

	defaultSessionSweepTTL      = 60 * time.Second
	defaultSessionSweepInterval = 15 * time.Second
)

// Config defines the inputs for the realtime transport boundary.
type Config struct {
	HTTPAddr      string        `env:"NEARWAVE_HTTP_ADDR" envDefault:":8080"`
	MatchDBPath   string        `env:"NEARWAVE_MATCH_DB" envDefault:"nearwave.db"`
	StaleAfter    time.Duration `env:"NEARWAVE_STALE_AFTER" envDefault:"30s"`
	Throttle      time.Duration `env:"NEARWAVE_THROTTLE" envDefault:"2500ms"`
	FallbackAfter time.Duration `env:"NEARWAVE_FALLBACK_AFTER" envDefault:"4s"`

	// MQTT enables the beacon ingest bridge when a broker URL is set.
	MQTT mqttingest.Config

	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// Server hosts the realtime HTTP/WebSocket process.
type Server struct {
	httpAddr        string
	shutdownTimeout time.Duration
	httpServer      *http.Server
	matchStore      *sqlite.Store
	ingest          *mqttingest.Bridge
	sweeperStop     context.CancelFunc
	sweeperDone     chan struct{}
}

// deps is the resolved dependency set behind the HTTP handler. Tests build
// it directly; NewServer assembles it from Config and the environment.
type deps struct {
	presence   *memory.Store
	engine     *match.Engine
	chats      matchstorage.Store
	tokens     *auth.Issuer
	staleAfter time.Duration
	throttle   time.Duration
	fallback   time.Duration
}

// NewServer builds a configured realtime server.
func NewServer(config Config) (*Server, error) {
	httpAddr := strings.TrimSpace(config.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = defaultReadHeaderTimeout
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = defaultShutdownTimeout
	}

	tokenCfg, err := auth.LoadConfigFromEnv(nil)
	if err != nil {
		return nil, fmt.Errorf("load session token config: %w", err)
	}
	tokens, err := auth.NewIssuer(tokenCfg)
	if err != nil {
		return nil, fmt.Errorf("init token issuer: %w", err)
	}

	matchStore, err := sqlite.Open(config.MatchDBPath)
	if err != nil {
		return nil, fmt.Errorf("open match storage: %w", err)
	}
	engine, err := match.NewEngine(matchStore)
	if err != nil {
		_ = matchStore.Close()
		return nil, fmt.Errorf("init match engine: %w", err)
	}

	presenceStore := memory.New()
	sweepCtx, sweeperStop := context.WithCancel(context.Background())
	sweeperDone := make(chan struct{})
	go func() {
		defer close(sweeperDone)
		presenceStore.Run(sweepCtx, defaultSessionSweepTTL, defaultSessionSweepInterval)
	}()

	handler := newHandler(deps{
		presence:   presenceStore,
		engine:     engine,
		chats:      matchStore,
		tokens:     tokens,
		staleAfter: config.StaleAfter,
		throttle:   config.Throttle,
		fallback:   config.FallbackAfter,
	})
	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           handler,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	mqttCfg := config.MQTT
	if mqttCfg.Throttle <= 0 {
		mqttCfg.Throttle = config.Throttle
	}
	if mqttCfg.FallbackAfter <= 0 {
		mqttCfg.FallbackAfter = config.FallbackAfter
	}
	ingest, err := mqttingest.New(mqttCfg, presenceStore)
	if err != nil {
		sweeperStop()
		_ = matchStore.Close()
		return nil, fmt.Errorf("init beacon ingest: %w", err)
	}

	return &Server{
		httpAddr:        httpAddr,
		shutdownTimeout: config.ShutdownTimeout,
		httpServer:      httpServer,
		matchStore:      matchStore,
		ingest:          ingest,
		sweeperStop:     sweeperStop,
		sweeperDone:     sweeperDone,
	}, nil
}

// Run creates and serves a realtime server until the context ends.
func Run(ctx context.Context, config Config) error {
	server, err := NewServer(config)
	if err != nil {
		return fmt.Errorf("init server: %w", err)
	}
	defer server.Close()

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

// ListenAndServe runs the HTTP server until the context ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	serveErr := make(chan error, 1)
	log.Printf("server listening on %s", s.httpAddr)
	go func() {
		serveErr <- s.httpServer.ListenAndServe()
	}()

	if s.ingest.Enabled() {
		go func() {
			if err := s.ingest.Run(ctx); err != nil {
				log.Printf("beacon ingest stopped: %v", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		err := s.httpServer.Shutdown(shutdownCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}

// Close releases server resources.
func (s *Server) Close() {
	if s == nil {
		return
	}
	if s.sweeperStop != nil {
		s.sweeperStop()
	}
	if s.sweeperDone != nil {
		<-s.sweeperDone
	}
	if s.matchStore != nil {
		if err := s.matchStore.Close(); err != nil {
			log.Printf("close match storage: %v", err)
		}
	}
}

func newHandler(d deps) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	mux.HandleFunc("/session", func(w http.ResponseWriter, r *http.Request) {
		handleSession(w, r, d)
	})

	mux.HandleFunc("/chats", func(w http.ResponseWriter, r *http.Request) {
		handleChats(w, r, d)
	})

	mux.Handle("/ws", newWSHandler(d))

	return mux
}

type sessionRequest struct {
	UserID string `json:"user_id,omitempty"`
}

type sessionResponse struct {
	Token     string `json:"token"`
	UserID    string `json:"user_id"`
	ExpiresAt string `json:"expires_at"`
}

// handleSession mints an anonymous session token. The caller may pin a user
// id to keep an identity across reconnects; otherwise one is generated.
func handleSession(w http.ResponseWriter, r *http.Request, d deps) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// An empty body means an anonymous session.
	var req sessionRequest
	if r.Body != nil {
		decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4*1024))
		if err := decoder.Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			http.Error(w, "invalid session request", http.StatusBadRequest)
			return
		}
	}

	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		generated, err := id.NewID()
		if err != nil {
			log.Printf("session id generation failed err=%v", err)
			http.Error(w, "session issuance failed", http.StatusInternalServerError)
			return
		}
		userID = generated
	}

	token, claims, err := d.tokens.Issue(userID)
	if err != nil {
		log.Printf("session issue failed user=%q err=%v", userID, err)
		http.Error(w, "session issuance failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, sessionResponse{
		Token:     token,
		UserID:    claims.UserID,
		ExpiresAt: claims.ExpiresAt.Format(time.RFC3339),
	})
}

type chatsResponse struct {
	Chats []chatView `json:"chats"`
}

type chatView struct {
	ChatID        string   `json:"chat_id"`
	Participants  []string `json:"participants"`
	CreatedAt     string   `json:"created_at"`
	LastMessageAt string   `json:"last_message_at"`
}

func handleChats(w http.ResponseWriter, r *http.Request, d deps) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	claims, err := d.tokens.Verify(bearerToken(r))
	if err != nil {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	chats, err := d.chats.ListChats(r.Context(), claims.UserID)
	if err != nil {
		log.Printf("list chats failed user=%q err=%v", claims.UserID, err)
		http.Error(w, "chat list unavailable", http.StatusInternalServerError)
		return
	}

	views := make([]chatView, 0, len(chats))
	for _, chat := range chats {
		views = append(views, chatView{
			ChatID:        chat.PairKey,
			Participants:  chat.Participants,
			CreatedAt:     chat.CreatedAt.Format(time.RFC3339),
			LastMessageAt: chat.LastMessageAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, chatsResponse{Chats: views})
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if after, ok := strings.CutPrefix(header, "Bearer "); ok {
		return strings.TrimSpace(after)
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("write json response: %v", err)
	}
}
