package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/websocket"

	"github.com/nearwave/nearwave/internal/match"
	"github.com/nearwave/nearwave/internal/presence"
	"github.com/nearwave/nearwave/internal/presence/source"
	"github.com/nearwave/nearwave/internal/presence/writer"
)

const (
	tokenCookieName = "nw_token"

	maxFramePayloadBytes   = 16 * 1024
	maxFramesPerSecond     = 40
	maxDecodeErrorsPerConn = 3
)

type wsFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

type wsErrorEnvelope struct {
	Error wsError `json:"error"`
}

type wsError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

type readyPayload struct {
	UserID     string `json:"user_id"`
	ServerTime string `json:"server_time"`
}

type samplePayload struct {
	Lat      float64  `json:"lat"`
	Lng      float64  `json:"lng"`
	Accuracy float64  `json:"accuracy"`
	Heading  *float64 `json:"heading,omitempty"`
	Speed    *float64 `json:"speed,omitempty"`
}

type sampleErrorPayload struct {
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
}

type mapUsersPayload struct {
	Users      []mapUser `json:"users"`
	ServerTime string    `json:"server_time"`
}

type mapUser struct {
	UserID         string   `json:"user_id"`
	Lat            *float64 `json:"lat,omitempty"`
	Lng            *float64 `json:"lng,omitempty"`
	Accuracy       *float64 `json:"accuracy,omitempty"`
	Note           string   `json:"note,omitempty"`
	Classification string   `json:"classification"`
}

type wavePayload struct {
	To string `json:"to"`
}

type waveResultPayload struct {
	Status string `json:"status"`
	ChatID string `json:"chat_id,omitempty"`
}

// wsPeer serializes frame writes from the fan-out goroutine and the frame
// loop onto one connection.
type wsPeer struct {
	mu      sync.Mutex
	encoder *json.Encoder
}

func newWSPeer(encoder *json.Encoder) *wsPeer {
	return &wsPeer{encoder: encoder}
}

func (p *wsPeer) writeFrame(frame wsFrame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.encoder.Encode(frame)
}

type wsUserIDContextKey struct{}

func newWSHandler(d deps) http.Handler {
	wsHandler := websocket.Handler(func(conn *websocket.Conn) {
		handleWSConn(conn, d)
	})

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		claims, err := d.tokens.Verify(wsToken(r))
		if err != nil {
			log.Printf("websocket unauthorized remote=%s err=%v", r.RemoteAddr, err)
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), wsUserIDContextKey{}, claims.UserID)
		wsHandler.ServeHTTP(w, r.WithContext(ctx))
	})
}

func wsToken(r *http.Request) string {
	if token := bearerToken(r); token != "" {
		return token
	}
	cookie, err := r.Cookie(tokenCookieName)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(cookie.Value)
}

// wsConnState holds everything one connection owns: the presence session,
// the push source its frames feed, the presence writer, and the optional
// map subscription.
type wsConnState struct {
	userID string
	peer   *wsPeer
	push   *source.Push
	writer *writer.Writer
	closer func()

	mu          sync.Mutex
	unsubscribe func()
}

func (c *wsConnState) setSubscription(cancel func()) (previous func()) {
	c.mu.Lock()
	previous = c.unsubscribe
	c.unsubscribe = cancel
	c.mu.Unlock()
	return previous
}

func handleWSConn(conn *websocket.Conn, d deps) {
	defer func() {
		_ = conn.Close()
	}()

	userID := ""
	if request := conn.Request(); request != nil {
		if resolved, ok := request.Context().Value(wsUserIDContextKey{}).(string); ok {
			userID = strings.TrimSpace(resolved)
		}
	}
	if userID == "" {
		return
	}

	peer := newWSPeer(json.NewEncoder(conn))

	session := d.presence.OpenSession()
	push := source.NewPush()
	agent, err := writer.New(writer.Config{
		UserID:         userID,
		Store:          session,
		Source:         push,
		ThrottleWindow: d.throttle,
		FallbackWait:   d.fallback,
	})
	if err != nil {
		log.Printf("presence writer init failed user=%q err=%v", userID, err)
		return
	}
	if err := agent.Start(context.Background()); err != nil {
		log.Printf("presence writer start failed user=%q err=%v", userID, err)
		session.Close()
		return
	}

	state := &wsConnState{
		userID: userID,
		peer:   peer,
		push:   push,
		writer: agent,
	}
	defer func() {
		if cancel := state.setSubscription(nil); cancel != nil {
			cancel()
		}
		state.push.Close()
		// Close the writer before the session so the offline write goes
		// through the still-open handle; the session's disconnect action
		// is the backstop for paths that never get here.
		state.writer.Close()
		session.Close()
	}()

	_ = peer.writeFrame(wsFrame{
		Type: "session.ready",
		Payload: mustJSON(readyPayload{
			UserID:     userID,
			ServerTime: time.Now().UTC().Format(time.RFC3339),
		}),
	})

	decoder := json.NewDecoder(conn)
	windowStart := time.Now()
	framesInWindow := 0
	decodeErrors := 0

	for {
		var frame wsFrame
		if err := decoder.Decode(&frame); err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			decodeErrors++
			_ = writeWSError(peer, "", "INVALID_ARGUMENT", "invalid frame payload", false)
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			continue
		}
		decodeErrors = 0

		if len(frame.Payload) > maxFramePayloadBytes {
			_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "payload too large", false)
			continue
		}

		now := time.Now()
		if now.Sub(windowStart) >= time.Second {
			windowStart = now
			framesInWindow = 0
		}
		framesInWindow++
		if framesInWindow > maxFramesPerSecond {
			_ = writeWSError(peer, frame.RequestID, "RESOURCE_EXHAUSTED", "rate limit exceeded", false)
			return
		}

		switch frame.Type {
		case "position.sample":
			handleSampleFrame(state, frame)
		case "position.error":
			handleSampleErrorFrame(state, frame)
		case "map.subscribe":
			handleMapSubscribeFrame(state, d, frame)
		case "wave.send":
			handleWaveFrame(conn.Request().Context(), state, d, frame)
		case "bye":
			_ = peer.writeFrame(wsFrame{Type: "bye.ack", RequestID: frame.RequestID})
			return
		default:
			_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "unsupported frame type", false)
		}
	}
}

func handleSampleFrame(state *wsConnState, frame wsFrame) {
	var payload samplePayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(state.peer, frame.RequestID, "INVALID_ARGUMENT", "invalid sample payload", false)
		return
	}
	if payload.Lat < -90 || payload.Lat > 90 || payload.Lng < -180 || payload.Lng > 180 {
		_ = writeWSError(state.peer, frame.RequestID, "INVALID_ARGUMENT", "coordinates out of range", false)
		return
	}

	state.push.Offer(source.Position{
		Lat:      payload.Lat,
		Lng:      payload.Lng,
		Accuracy: payload.Accuracy,
		Heading:  payload.Heading,
		Speed:    payload.Speed,
		Time:     time.Now().UTC(),
	})
}

func handleSampleErrorFrame(state *wsConnState, frame wsFrame) {
	var payload sampleErrorPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(state.peer, frame.RequestID, "INVALID_ARGUMENT", "invalid sample error payload", false)
		return
	}

	var cause error
	if strings.TrimSpace(payload.Message) != "" {
		cause = errors.New(strings.TrimSpace(payload.Message))
	}
	state.push.Fail(&source.SampleError{Code: payload.Code, Err: cause})
}

// handleMapSubscribeFrame attaches the viewer to the presence feed. Every
// delivery reclassifies each record at send time and excludes the viewer's
// own row. Store events drive deliveries, plus a refresh tick so a record
// aging past the stale threshold drops off the map without waiting for the
// next write.
func handleMapSubscribeFrame(state *wsConnState, d deps, frame wsFrame) {
	viewerID := state.userID
	staleAfter := d.staleAfter
	peer := state.peer

	deliver := func(records map[string]presence.Record) {
		now := time.Now().UTC()
		users := make([]mapUser, 0, len(records))
		for _, record := range records {
			if record.UserID == viewerID {
				continue
			}
			if presence.Classify(record, now, staleAfter) != presence.ClassifiedOnline {
				continue
			}
			user := mapUser{
				UserID:         record.UserID,
				Note:           record.Note,
				Classification: string(presence.ClassifiedOnline),
			}
			if record.Point != nil {
				lat, lng, accuracy := record.Point.Lat, record.Point.Lng, record.Point.Accuracy
				user.Lat, user.Lng, user.Accuracy = &lat, &lng, &accuracy
			}
			users = append(users, user)
		}
		_ = peer.writeFrame(wsFrame{
			Type: "map.users",
			Payload: mustJSON(mapUsersPayload{
				Users:      users,
				ServerTime: now.Format(time.RFC3339),
			}),
		})
	}

	storeCancel := d.presence.SubscribeAll(deliver)

	refresh := staleAfter / 3
	if refresh <= 0 {
		refresh = 10 * time.Second
	}
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(refresh)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				records, err := d.presence.Snapshot(context.Background())
				if err != nil {
					return
				}
				deliver(records)
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(stop)
			storeCancel()
		})
	}

	if previous := state.setSubscription(cancel); previous != nil {
		previous()
	}
	_ = peer.writeFrame(wsFrame{Type: "map.subscribed", RequestID: frame.RequestID})
}

func handleWaveFrame(ctx context.Context, state *wsConnState, d deps, frame wsFrame) {
	var payload wavePayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(state.peer, frame.RequestID, "INVALID_ARGUMENT", "invalid wave payload", false)
		return
	}

	result, err := d.engine.Wave(ctx, state.userID, payload.To)
	if err != nil {
		if errors.Is(err, match.ErrConflict) {
			_ = writeWSError(state.peer, frame.RequestID, "ABORTED", "wave contention, retry", true)
			return
		}
		if errors.Is(err, match.ErrInvalid) {
			_ = writeWSError(state.peer, frame.RequestID, "INVALID_ARGUMENT", err.Error(), false)
			return
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return
		}
		log.Printf("wave failed user=%q to=%q err=%v", state.userID, payload.To, err)
		_ = writeWSError(state.peer, frame.RequestID, "INTERNAL", "wave unavailable", true)
		return
	}

	_ = state.peer.writeFrame(wsFrame{
		Type:      "wave.result",
		RequestID: frame.RequestID,
		Payload: mustJSON(waveResultPayload{
			Status: string(result.Status),
			ChatID: result.ChatID,
		}),
	})
}

func writeWSError(peer *wsPeer, requestID string, code string, message string, retryable bool) error {
	return peer.writeFrame(wsFrame{
		Type:      "error",
		RequestID: requestID,
		Payload: mustJSON(wsErrorEnvelope{
			Error: wsError{
				Code:      code,
				Message:   message,
				Retryable: retryable,
			},
		}),
	})
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		log.Printf("failed to marshal websocket frame payload: %v", err)
		return nil
	}
	return b
}
