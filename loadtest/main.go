// Sustained fan-out load test for limit-server.
//
// Opens many WebSocket streams for one provisioned user and posts
// messages to that user at a fixed rate, so every send fans out to
// every open stream. Reports delivery counts, latency, and the
// server's own health view while the load is held.
//
// Usage:
//
//	go run . -url http://localhost:3002 -server-url wss://hub.example \
//	  -user <user-id> -token <jwt> -connections 500 -duration 300
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
)

type testConfig struct {
	BaseURL           string // HTTP base of the server under test
	ServerURL         string // the server's public URL, goes into receiver_server
	UserID            string
	Token             string
	TargetConnections int
	RampRate          int // connections per second
	SustainSec        int
	SendRate          int // messages per second posted to /v1/event/send
	ReportSec         int
	HealthSec         int
	ConnectTimeoutMS  int
}

type testState struct {
	activeConnections int64
	totalCreated      int64
	failedConnections int64
	connectionErrors  sync.Map // error text -> *int64

	eventsReceived int64
	decodeErrors   int64
	latencySumMS   int64
	latencyCount   int64

	eventsSent int64
	sendErrors int64

	lastHealth *healthResponse

	startTime        time.Time
	sustainStartTime time.Time
	phase            string // "ramping", "sustaining", "completed"

	mu sync.RWMutex
}

// healthResponse mirrors the server's /health body.
type healthResponse struct {
	Status        string         `json:"status"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	Resources     map[string]any `json:"resources"`
	Queue         struct {
		Depth    int `json:"depth"`
		Capacity int `json:"capacity"`
	} `json:"queue"`
}

// wireEvent mirrors the event shape delivered on streams.
type wireEvent struct {
	EventID   string `json:"event_id"`
	Timestamp int64  `json:"timestamp"`
	Sender    string `json:"sender"`
	Detail    struct {
		Message *struct {
			ReceiverID     string            `json:"receiver_id"`
			ReceiverServer string            `json:"receiver_server"`
			Text           string            `json:"text"`
			Extensions     map[string]string `json:"extensions"`
		} `json:"message,omitempty"`
	} `json:"detail"`
}

type streamConn struct {
	id        int
	ws        *websocket.Conn
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

var (
	state  *testState
	config *testConfig
)

func main() {
	config = parseFlags()
	state = &testState{startTime: time.Now(), phase: "ramping"}

	log.Printf(strings.Repeat("=", 72))
	log.Printf("limit-server sustained fan-out load test")
	log.Printf(strings.Repeat("=", 72))
	log.Printf("target:     %d streams at %d/sec", config.TargetConnections, config.RampRate)
	log.Printf("send rate:  %d msg/sec to user %s", config.SendRate, config.UserID)
	log.Printf("fan-out:    ~%d deliveries/sec at full ramp", config.SendRate*config.TargetConnections)
	log.Printf("sustain:    %ds", config.SustainSec)
	log.Printf("server:     %s (public %s)", config.BaseURL, config.ServerURL)

	if err := checkServerHealth(); err != nil {
		log.Fatalf("initial health check failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Printf("shutdown signal received")
		cancel()
	}()

	go periodicHealthChecks(ctx)
	go periodicReports(ctx)
	go sendLoop(ctx)

	if err := rampUp(ctx); err != nil {
		log.Fatalf("ramp-up aborted: %v", err)
	}

	if state.phase == "sustaining" {
		select {
		case <-time.After(time.Duration(config.SustainSec) * time.Second):
			state.phase = "completed"
		case <-ctx.Done():
			log.Printf("sustain phase interrupted")
		}
	}

	printReport()
	log.Printf("load test finished")
}

func parseFlags() *testConfig {
	cfg := &testConfig{}

	flag.StringVar(&cfg.BaseURL, "url", getEnv("LIMIT_TEST_URL", "http://localhost:3002"), "HTTP base URL of the server")
	flag.StringVar(&cfg.ServerURL, "server-url", getEnv("LIMIT_TEST_SERVER_URL", ""), "server public URL (LIMIT_URL value, used as receiver_server)")
	flag.StringVar(&cfg.UserID, "user", getEnv("LIMIT_TEST_USER", ""), "provisioned user id that receives the load")
	flag.StringVar(&cfg.Token, "token", getEnv("LIMIT_TEST_TOKEN", ""), "JWT for the user")
	flag.IntVar(&cfg.TargetConnections, "connections", getEnvInt("LIMIT_TEST_CONNECTIONS", 500), "target number of streams")
	flag.IntVar(&cfg.RampRate, "ramp-rate", getEnvInt("LIMIT_TEST_RAMP_RATE", 50), "streams opened per second during ramp-up")
	flag.IntVar(&cfg.SustainSec, "duration", getEnvInt("LIMIT_TEST_DURATION", 300), "sustain duration in seconds")
	flag.IntVar(&cfg.SendRate, "send-rate", getEnvInt("LIMIT_TEST_SEND_RATE", 10), "messages posted per second")
	flag.IntVar(&cfg.ReportSec, "report-interval", 10, "report interval in seconds")
	flag.IntVar(&cfg.HealthSec, "health-interval", 5, "health poll interval in seconds")
	flag.IntVar(&cfg.ConnectTimeoutMS, "connection-timeout", 10000, "dial timeout in milliseconds")
	flag.Parse()

	if cfg.Token == "" || cfg.UserID == "" || cfg.ServerURL == "" {
		fmt.Fprintln(os.Stderr, "-token, -user and -server-url are required")
		flag.Usage()
		os.Exit(2)
	}
	return cfg
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func streamURL() string {
	u := config.BaseURL
	u = strings.Replace(u, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + "/v1/event/stream?token=" + url.QueryEscape(config.Token)
}

func rampUp(ctx context.Context) error {
	log.Printf("ramping up: %d streams at %d/sec", config.TargetConnections, config.RampRate)

	batchSize := config.RampRate / 10
	if batchSize < 1 {
		batchSize = 1
	}
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	nextID := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if atomic.LoadInt64(&state.totalCreated) >= int64(config.TargetConnections) {
				state.phase = "sustaining"
				state.sustainStartTime = time.Now()
				log.Printf("ramp-up complete: %d streams active, sustaining for %ds",
					atomic.LoadInt64(&state.activeConnections), config.SustainSec)
				return nil
			}

			var wg sync.WaitGroup
			for i := 0; i < batchSize && atomic.LoadInt64(&state.totalCreated) < int64(config.TargetConnections); i++ {
				wg.Add(1)
				id := nextID
				nextID++
				atomic.AddInt64(&state.totalCreated, 1)

				go func(connID int) {
					defer wg.Done()
					c := newStreamConn(connID, ctx)
					if err := c.connect(); err != nil {
						atomic.AddInt64(&state.failedConnections, 1)
						v, _ := state.connectionErrors.LoadOrStore(err.Error(), new(int64))
						atomic.AddInt64(v.(*int64), 1)
					}
				}(id)
			}
			wg.Wait()
		}
	}
}

func newStreamConn(id int, ctx context.Context) *streamConn {
	connCtx, cancel := context.WithCancel(ctx)
	return &streamConn{id: id, ctx: connCtx, cancel: cancel}
}

func (c *streamConn) connect() error {
	timeout := time.Duration(config.ConnectTimeoutMS) * time.Millisecond
	dialer := websocket.Dialer{
		HandshakeTimeout: timeout,
		// TCP keep-alive so idle streams survive cloud load balancers.
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			d := &net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}
			return d.DialContext(ctx, network, addr)
		},
	}

	ws, resp, err := dialer.Dial(streamURL(), nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial failed: %w (http %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("dial failed: %w", err)
	}

	c.ws = ws
	atomic.AddInt64(&state.activeConnections, 1)

	// The server pings every 27s and drops the stream after 30s of
	// silence. Extend the read deadline on each ping; the library
	// answers with a pong on its own.
	const readTimeout = 60 * time.Second
	c.ws.SetReadDeadline(time.Now().Add(readTimeout))
	c.ws.SetPingHandler(func(appData string) error {
		c.ws.SetReadDeadline(time.Now().Add(readTimeout))
		return c.ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
	})

	go c.readPump()
	return nil
}

func (c *streamConn) readPump() {
	defer c.close()

	const readTimeout = 60 * time.Second
	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(readTimeout))

		var ev wireEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			atomic.AddInt64(&state.decodeErrors, 1)
			continue
		}
		atomic.AddInt64(&state.eventsReceived, 1)
		if ev.Timestamp > 0 {
			if lag := time.Now().UnixMilli() - ev.Timestamp; lag >= 0 {
				atomic.AddInt64(&state.latencySumMS, lag)
				atomic.AddInt64(&state.latencyCount, 1)
			}
		}
	}
}

func (c *streamConn) close() {
	c.closeOnce.Do(func() {
		atomic.AddInt64(&state.activeConnections, -1)
		if c.ws != nil {
			c.ws.Close()
		}
		c.cancel()
	})
}

// sendLoop posts one message per tick addressed to the loaded user, so
// the server fans each one out to every open stream.
func sendLoop(ctx context.Context) {
	if config.SendRate <= 0 {
		return
	}
	interval := time.Second / time.Duration(config.SendRate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	client := &http.Client{Timeout: 10 * time.Second}
	seq := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			seq++
			if err := postEvent(client, seq); err != nil {
				atomic.AddInt64(&state.sendErrors, 1)
			} else {
				atomic.AddInt64(&state.eventsSent, 1)
			}
		}
	}
}

func postEvent(client *http.Client, seq int) error {
	body := map[string]any{
		"token": config.Token,
		"event": map[string]any{
			"event_id":  "",
			"timestamp": time.Now().UnixMilli(),
			"sender":    config.UserID,
			"detail": map[string]any{
				"message": map[string]any{
					"receiver_id":     config.UserID,
					"receiver_server": config.ServerURL,
					"text":            fmt.Sprintf("load %d", seq),
					"extensions":      map[string]string{},
				},
			},
		},
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := client.Post(config.BaseURL+"/v1/event/send", "application/json", bytes.NewReader(data))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("send returned %d", resp.StatusCode)
	}
	return nil
}

func checkServerHealth() error {
	resp, err := http.Get(config.BaseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var health healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return err
	}

	state.mu.Lock()
	state.lastHealth = &health
	state.mu.Unlock()

	if health.Status != "ok" {
		log.Printf("server reports %q, continuing", health.Status)
	}
	return nil
}

func periodicHealthChecks(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(config.HealthSec) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := checkServerHealth(); err != nil {
				log.Printf("health check failed: %v", err)
			}
		}
	}
}

func periodicReports(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(config.ReportSec) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			printReport()
		}
	}
}

func printReport() {
	elapsed := int(time.Since(state.startTime).Seconds())

	state.mu.RLock()
	health := state.lastHealth
	state.mu.RUnlock()

	active := atomic.LoadInt64(&state.activeConnections)
	created := atomic.LoadInt64(&state.totalCreated)
	failed := atomic.LoadInt64(&state.failedConnections)
	received := atomic.LoadInt64(&state.eventsReceived)
	sent := atomic.LoadInt64(&state.eventsSent)
	sendErrs := atomic.LoadInt64(&state.sendErrors)
	decodeErrs := atomic.LoadInt64(&state.decodeErrors)

	successRate := 100.0
	if created > 0 {
		successRate = float64(created-failed) / float64(created) * 100
	}
	avgLatency := 0.0
	if n := atomic.LoadInt64(&state.latencyCount); n > 0 {
		avgLatency = float64(atomic.LoadInt64(&state.latencySumMS)) / float64(n)
	}

	log.Printf(strings.Repeat("=", 72))
	log.Printf("elapsed %ds  phase %s", elapsed, strings.ToUpper(state.phase))
	log.Printf("streams:  active=%d/%d created=%d failed=%d (%.1f%% ok)",
		active, config.TargetConnections, created, failed, successRate)
	log.Printf("sent:     %d posted, %d errors", sent, sendErrs)
	log.Printf("received: %d events (%.1f/sec), %d undecodable, avg latency %.1fms",
		received, float64(received)/float64(maxInt(elapsed, 1)), decodeErrs, avgLatency)

	if health != nil {
		log.Printf("server:   status=%s streams=%v cpu=%v%% queue=%d/%d",
			health.Status,
			health.Resources["streams_active"],
			health.Resources["cpu_percent"],
			health.Queue.Depth, health.Queue.Capacity)
	} else {
		log.Printf("server:   no health data")
	}

	if state.phase == "sustaining" {
		remaining := config.SustainSec - int(time.Since(state.sustainStartTime).Seconds())
		if remaining < 0 {
			remaining = 0
		}
		log.Printf("sustain:  %ds remaining", remaining)
	}

	state.connectionErrors.Range(func(key, value any) bool {
		log.Printf("dial error %q: %d", key, atomic.LoadInt64(value.(*int64)))
		return true
	})
	log.Printf(strings.Repeat("=", 72))
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
