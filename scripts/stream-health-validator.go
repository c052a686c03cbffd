// Stream health validator for limit-server.
//
// Opens a fixed number of streams for one user and holds them while
// cross-checking three views of liveness: the validator's own stream
// accounting, the stream count the server reports on /health, and
// end-to-end probe delivery (a message posted to the user must arrive
// on every open stream). A server count above the local one means
// phantom streams: sockets the server still tracks after the client
// side is gone.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
)

const (
	metricsInterval  = 5 * time.Second
	staleAfter       = 60 * time.Second // no ping or probe within this = stale stream
	phantomThreshold = 5
)

var (
	baseURL       = flag.String("url", "http://localhost:3002", "HTTP base URL of the server")
	serverURL     = flag.String("server-url", "", "server public URL (LIMIT_URL value)")
	userID        = flag.String("user", "", "provisioned user id")
	token         = flag.String("token", "", "JWT for the user")
	connections   = flag.Int("connections", 100, "streams to open")
	duration      = flag.Duration("duration", 5*time.Minute, "hold duration")
	probeInterval = flag.Duration("probe-interval", 15*time.Second, "interval between delivery probes")
)

type streamStats struct {
	id            int
	conn          *websocket.Conn
	lastPing      atomic.Int64 // unix nano
	lastProbe     atomic.Int64
	pingsReceived atomic.Int64
	probesSeen    atomic.Int64
	closed        atomic.Bool
}

var (
	streams      []*streamStats
	liveStreams  atomic.Int64
	probesSent   atomic.Int64
	probesRecvd  atomic.Int64
	totalErrors  atomic.Int64
	shutdownOnce sync.Once
	shutdown     = make(chan struct{})
)

func main() {
	flag.Parse()
	if *token == "" || *userID == "" || *serverURL == "" {
		fmt.Fprintln(os.Stderr, "-token, -user and -server-url are required")
		flag.Usage()
		os.Exit(2)
	}

	log.Printf("stream health validator: %d streams for %v against %s", *connections, *duration, *baseURL)

	baseline := serverStreamCount()
	log.Printf("baseline server stream count: %d", baseline)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Printf("interrupted")
		stop()
	}()

	var wg sync.WaitGroup
	streams = make([]*streamStats, *connections)
	for i := 0; i < *connections; i++ {
		streams[i] = &streamStats{id: i}
		wg.Add(1)
		go func(s *streamStats) {
			defer wg.Done()
			if err := connectStream(s); err != nil {
				log.Printf("stream %d: %v", s.id, err)
				totalErrors.Add(1)
			}
		}(streams[i])
		if (i+1)%20 == 0 {
			time.Sleep(time.Second)
		}
	}
	wg.Wait()
	log.Printf("ramp complete: %d/%d streams open", liveStreams.Load(), *connections)

	go probeLoop()
	go monitorLoop(baseline)

	select {
	case <-time.After(*duration):
	case <-shutdown:
	}

	log.Printf("closing all streams")
	stop()
	for _, s := range streams {
		s.close()
	}
	time.Sleep(2 * time.Second)

	final := serverStreamCount()
	phantom := final - baseline
	log.Printf(strings.Repeat("=", 60))
	log.Printf("probes: sent=%d delivered=%d (expected %d per probe)",
		probesSent.Load(), probesRecvd.Load(), *connections)
	log.Printf("errors: %d", totalErrors.Load())
	log.Printf("server streams after shutdown: %d (baseline %d)", final, baseline)
	if phantom > 0 {
		log.Printf("PHANTOM STREAMS DETECTED: %d sockets still tracked server-side", phantom)
		os.Exit(1)
	}
	log.Printf("clean shutdown verified")
}

func stop() {
	shutdownOnce.Do(func() { close(shutdown) })
}

func connectStream(s *streamStats) error {
	wsBase := strings.Replace(strings.Replace(*baseURL, "https://", "wss://", 1), "http://", "ws://", 1)
	target := wsBase + "/v1/event/stream?token=" + url.QueryEscape(*token)

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(target, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	s.conn = conn
	liveStreams.Add(1)

	conn.SetReadDeadline(time.Now().Add(staleAfter))
	conn.SetPingHandler(func(appData string) error {
		s.lastPing.Store(time.Now().UnixNano())
		s.pingsReceived.Add(1)
		conn.SetReadDeadline(time.Now().Add(staleAfter))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
	})

	go func() {
		defer s.close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				select {
				case <-shutdown:
				default:
					totalErrors.Add(1)
				}
				return
			}
			conn.SetReadDeadline(time.Now().Add(staleAfter))

			var ev struct {
				Detail struct {
					Message *struct {
						Text string `json:"text"`
					} `json:"message"`
				} `json:"detail"`
			}
			if json.Unmarshal(data, &ev) == nil && ev.Detail.Message != nil &&
				strings.HasPrefix(ev.Detail.Message.Text, "probe ") {
				s.lastProbe.Store(time.Now().UnixNano())
				s.probesSeen.Add(1)
				probesRecvd.Add(1)
			}
		}
	}()
	return nil
}

func (s *streamStats) close() {
	if s.closed.CompareAndSwap(false, true) {
		liveStreams.Add(-1)
		if s.conn != nil {
			s.conn.Close()
		}
	}
}

// probeLoop posts one message per interval; the server must fan it out
// to every open stream.
func probeLoop() {
	client := &http.Client{Timeout: 10 * time.Second}
	ticker := time.NewTicker(*probeInterval)
	defer ticker.Stop()

	seq := 0
	for {
		select {
		case <-shutdown:
			return
		case <-ticker.C:
			seq++
			body, _ := json.Marshal(map[string]any{
				"token": *token,
				"event": map[string]any{
					"timestamp": time.Now().UnixMilli(),
					"sender":    *userID,
					"detail": map[string]any{
						"message": map[string]any{
							"receiver_id":     *userID,
							"receiver_server": *serverURL,
							"text":            fmt.Sprintf("probe %d", seq),
							"extensions":      map[string]string{},
						},
					},
				},
			})
			resp, err := client.Post(*baseURL+"/v1/event/send", "application/json", bytes.NewReader(body))
			if err != nil {
				totalErrors.Add(1)
				continue
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				totalErrors.Add(1)
				continue
			}
			probesSent.Add(1)
		}
	}
}

func monitorLoop(baseline int64) {
	ticker := time.NewTicker(metricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-shutdown:
			return
		case <-ticker.C:
			local := liveStreams.Load()
			server := serverStreamCount() - baseline
			phantom := server - local
			if phantom < 0 {
				phantom = 0
			}

			stale := 0
			now := time.Now().UnixNano()
			for _, s := range streams {
				if s.closed.Load() {
					continue
				}
				last := s.lastPing.Load()
				if p := s.lastProbe.Load(); p > last {
					last = p
				}
				if last > 0 && now-last > int64(staleAfter) {
					stale++
				}
			}

			log.Printf("streams local=%d server=%d phantom=%d stale=%d probes sent=%d recvd=%d",
				local, server, phantom, stale, probesSent.Load(), probesRecvd.Load())
			if phantom > phantomThreshold {
				log.Printf("WARNING: phantom streams above threshold")
			}
		}
	}
}

// serverStreamCount polls /health for the server's own stream count.
// Returns -1 when the endpoint is unreachable.
func serverStreamCount() int64 {
	resp, err := http.Get(*baseURL + "/health")
	if err != nil {
		return -1
	}
	defer resp.Body.Close()

	var health struct {
		Resources struct {
			StreamsActive int64 `json:"streams_active"`
		} `json:"resources"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return -1
	}
	return health.Resources.StreamsActive
}
