// Package simulator parses simulator flags and drives synthetic users
// against a running server: each user streams random-walk positions over
// the websocket and waves at random peers.
package simulator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/websocket"

	entrypoint "github.com/nearwave/nearwave/internal/platform/cmd"
	"github.com/nearwave/nearwave/internal/presence/source"
	"github.com/nearwave/nearwave/internal/presence/source/sim"
)

// Config holds simulator command configuration.
type Config struct {
	ServerURL      string        `env:"NEARWAVE_SERVER_URL"          envDefault:"http://localhost:8080"`
	Users          int           `env:"NEARWAVE_SIM_USERS"           envDefault:"5"`
	SampleInterval time.Duration `env:"NEARWAVE_SIM_SAMPLE_INTERVAL" envDefault:"1s"`
	WaveInterval   time.Duration `env:"NEARWAVE_SIM_WAVE_INTERVAL"   envDefault:"5s"`
	Duration       time.Duration `env:"NEARWAVE_SIM_DURATION"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.ServerURL, "server-url", cfg.ServerURL, "base URL of the target server")
	fs.IntVar(&cfg.Users, "users", cfg.Users, "number of simulated users")
	fs.DurationVar(&cfg.SampleInterval, "sample-interval", cfg.SampleInterval, "interval between position samples")
	fs.DurationVar(&cfg.WaveInterval, "wave-interval", cfg.WaveInterval, "interval between waves at random peers")
	fs.DurationVar(&cfg.Duration, "duration", cfg.Duration, "how long to run; 0 runs until interrupted")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the simulated user fleet and blocks until it finishes.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceSimulator, func(context.Context) error {
		if cfg.Users <= 0 {
			return fmt.Errorf("users must be positive, got %d", cfg.Users)
		}
		if cfg.Duration > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, cfg.Duration)
			defer cancel()
		}

		peers := &roster{}
		var wg sync.WaitGroup
		for i := 0; i < cfg.Users; i++ {
			wg.Add(1)
			go func(n int) {
				defer wg.Done()
				if err := runUser(ctx, cfg, n, peers); err != nil && ctx.Err() == nil {
					log.Printf("user %d stopped: %v", n, err)
				}
			}(i)
			// Stagger dials so session issuance does not burst.
			time.Sleep(50 * time.Millisecond)
		}
		wg.Wait()
		return nil
	})
}

// roster is the shared set of live simulated user ids, used to pick wave
// targets.
type roster struct {
	mu  sync.Mutex
	ids []string
}

func (r *roster) add(id string) {
	r.mu.Lock()
	r.ids = append(r.ids, id)
	r.mu.Unlock()
}

func (r *roster) randomPeer(exclude string, rng *rand.Rand) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	candidates := make([]string, 0, len(r.ids))
	for _, id := range r.ids {
		if id != exclude {
			candidates = append(candidates, id)
		}
	}
	if len(candidates) == 0 {
		return ""
	}
	return candidates[rng.Intn(len(candidates))]
}

type sessionResponse struct {
	Token  string `json:"token"`
	UserID string `json:"user_id"`
}

type wsFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type samplePayload struct {
	Lat      float64 `json:"lat"`
	Lng      float64 `json:"lng"`
	Accuracy float64 `json:"accuracy"`
}

type wavePayload struct {
	To string `json:"to"`
}

type waveResultPayload struct {
	Status string `json:"status"`
	ChatID string `json:"chat_id,omitempty"`
}

func runUser(ctx context.Context, cfg Config, n int, peers *roster) error {
	token, userID, err := obtainSession(ctx, cfg.ServerURL)
	if err != nil {
		return fmt.Errorf("obtain session: %w", err)
	}
	peers.add(userID)
	log.Printf("user %d joined as %s", n, userID)

	conn, err := dialWS(cfg.ServerURL, token)
	if err != nil {
		return fmt.Errorf("dial websocket: %w", err)
	}
	defer conn.Close()

	encoder := json.NewEncoder(conn)
	var encodeMu sync.Mutex
	send := func(frameType, requestID string, payload any) error {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		encodeMu.Lock()
		defer encodeMu.Unlock()
		return encoder.Encode(wsFrame{Type: frameType, RequestID: requestID, Payload: raw})
	}

	// Drain server frames; log match results.
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		decoder := json.NewDecoder(conn)
		for {
			var frame wsFrame
			if err := decoder.Decode(&frame); err != nil {
				return
			}
			if frame.Type != "wave.result" {
				continue
			}
			var result waveResultPayload
			if err := json.Unmarshal(frame.Payload, &result); err != nil {
				continue
			}
			if result.Status == "CHAT_READY" {
				log.Printf("user %s matched, chat=%s", userID, result.ChatID)
			}
		}
	}()

	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(n)))
	walker := sim.New(sim.Config{
		Interval: cfg.SampleInterval,
		Rand:     rng,
	})
	stopWalk, err := walker.Watch(ctx, source.Options{}, func(pos source.Position) {
		_ = send("position.sample", "", samplePayload{
			Lat:      pos.Lat,
			Lng:      pos.Lng,
			Accuracy: pos.Accuracy,
		})
	}, nil)
	if err != nil {
		return fmt.Errorf("start walker: %w", err)
	}
	defer stopWalk()

	waves := time.NewTicker(cfg.WaveInterval)
	defer waves.Stop()
	requestSeq := 0

	for {
		select {
		case <-ctx.Done():
			_ = send("bye", "", struct{}{})
			// Give the server a beat to ack before tearing down.
			select {
			case <-readDone:
			case <-time.After(time.Second):
			}
			return nil
		case <-readDone:
			return errors.New("server closed connection")
		case <-waves.C:
			target := peers.randomPeer(userID, rng)
			if target == "" {
				continue
			}
			requestSeq++
			if err := send("wave.send", fmt.Sprintf("%s-%d", userID, requestSeq), wavePayload{To: target}); err != nil {
				return fmt.Errorf("send wave: %w", err)
			}
		}
	}
}

func obtainSession(ctx context.Context, serverURL string) (token, userID string, err error) {
	endpoint := strings.TrimRight(serverURL, "/") + "/session"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewBufferString("{}"))
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", "", fmt.Errorf("session status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload sessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", "", err
	}
	if payload.Token == "" || payload.UserID == "" {
		return "", "", errors.New("session response missing token or user id")
	}
	return payload.Token, payload.UserID, nil
}

func dialWS(serverURL, token string) (*websocket.Conn, error) {
	wsURL := "ws" + strings.TrimPrefix(strings.TrimRight(serverURL, "/"), "http") + "/ws"
	cfg, err := websocket.NewConfig(wsURL, serverURL)
	if err != nil {
		return nil, err
	}
	cfg.Header = make(http.Header)
	cfg.Header.Set("Authorization", "Bearer "+token)
	return websocket.DialConfig(cfg)
}
