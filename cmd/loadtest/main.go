package main

import (
	"bytes"
	"encoding/binary"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/sizestr"
	"github.com/mles-io/mles-websocket/pkg/protocol"
	"github.com/mles-io/mles-websocket/pkg/server"
)

const loremIpsum = "Lorem ipsum dolor sit amet, consectetur adipiscing elit, sed do eiusmod tempor incididunt ut labore et dolore magna aliqua. Ut enim ad minim veniam, quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea commodo consequat. Duis aute irure dolor in reprehenderit in voluptate velit esse cillum dolore eu fugiat nulla pariatur. Excepteur sint occaecat cupidatat non proident, sunt in culpa qui officia deserunt mollit anim id est laborum."

// probeMarker starts every load test payload: marker, send time, text
const probeMarker = 'L'

var loremWords = strings.Fields(loremIpsum)

// getCPULoad returns the 1-minute load average
func getCPULoad() float64 {
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0
	}

	// Format: "0.52 0.58 0.59 1/285 12345"
	var load1, load5, load15 float64
	fmt.Sscanf(string(data), "%f %f %f", &load1, &load5, &load15)
	return load1
}

// Stats tracks performance metrics
type Stats struct {
	messagesSent     atomic.Int64
	messagesReceived atomic.Int64
	messagesFailed   atomic.Int64
	bytesSent        atomic.Int64
	totalLatency     atomic.Int64 // in microseconds
	connectionErrors atomic.Int64
	disconnections   atomic.Int64

	successfulClients atomic.Int64
}

func (s *Stats) snapshot() (sent, received, failed, connErrors int64, avgLatencyUs float64) {
	sent = s.messagesSent.Load()
	received = s.messagesReceived.Load()
	failed = s.messagesFailed.Load()
	connErrors = s.connectionErrors.Load()

	if received > 0 {
		avgLatencyUs = float64(s.totalLatency.Load()) / float64(received)
	}
	return
}

// BotClient is one WebSocket client posting to a channel
type BotClient struct {
	id        int
	uid       string
	channel   string
	mode      server.Mode
	conn      *websocket.Conn
	stats     *Stats
	connected time.Time
}

func (bc *BotClient) Connect(url string) error {
	d := websocket.Dialer{
		Subprotocols:     []string{server.Subprotocol},
		HandshakeTimeout: 5 * time.Second,
	}
	conn, _, err := d.Dial(url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	bc.conn = conn
	bc.connected = time.Now()

	if bc.mode == server.ModeHub {
		hs := &protocol.Handshake{UID: bc.uid, Channel: bc.channel}
		if err := conn.WriteMessage(websocket.TextMessage, hs.Marshal()); err != nil {
			conn.Close()
			return fmt.Errorf("send handshake: %w", err)
		}
	}
	return nil
}

// probe builds a payload carrying its send time
func (bc *BotClient) probe() ([]byte, error) {
	wordCount := 5 + rand.Intn(16)
	words := make([]string, 0, wordCount)
	for i := 0; i < wordCount; i++ {
		words = append(words, loremWords[rand.Intn(len(loremWords))])
	}

	var body bytes.Buffer
	body.WriteByte(probeMarker)
	binary.Write(&body, binary.BigEndian, time.Now().UnixNano())
	body.WriteString(strings.Join(words, " "))

	if bc.mode == server.ModeHub {
		return body.Bytes(), nil
	}
	return protocol.EncodeMessage(&protocol.Message{UID: bc.uid, Channel: bc.channel, Message: body.Bytes()})
}

// sentAt extracts the send time from a received payload. Handshakes and
// history from before this client connected are skipped.
func (bc *BotClient) sentAt(data []byte) (time.Time, bool) {
	if bc.mode != server.ModeHub {
		msg, err := protocol.DecodeMessage(data)
		if err != nil {
			return time.Time{}, false
		}
		data = msg.Message
	}
	if len(data) < 9 || data[0] != probeMarker {
		return time.Time{}, false
	}
	sent := time.Unix(0, int64(binary.BigEndian.Uint64(data[1:9])))
	if sent.Before(bc.connected) {
		return time.Time{}, false
	}
	return sent, true
}

func (bc *BotClient) readLoop(done chan<- struct{}) {
	defer close(done)
	for {
		_, data, err := bc.conn.ReadMessage()
		if err != nil {
			return
		}
		if sent, ok := bc.sentAt(data); ok {
			bc.stats.messagesReceived.Add(1)
			bc.stats.totalLatency.Add(time.Since(sent).Microseconds())
		}
	}
}

// Run posts at random intervals for duration, then waits shutdownDelay so
// clients leave in reverse order
func (bc *BotClient) Run(duration, minDelay, maxDelay, shutdownDelay time.Duration, stop <-chan struct{}) {
	readerDone := make(chan struct{})
	go bc.readLoop(readerDone)

	deadline := time.After(duration)
loop:
	for {
		delay := minDelay
		if maxDelay > minDelay {
			delay += time.Duration(rand.Int63n(int64(maxDelay - minDelay)))
		}
		select {
		case <-deadline:
			break loop
		case <-stop:
			break loop
		case <-readerDone:
			bc.stats.disconnections.Add(1)
			return
		case <-time.After(delay):
		}

		payload, err := bc.probe()
		if err != nil {
			bc.stats.messagesFailed.Add(1)
			continue
		}
		if err := bc.conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
			bc.stats.messagesFailed.Add(1)
			bc.stats.disconnections.Add(1)
			return
		}
		bc.stats.messagesSent.Add(1)
		bc.stats.bytesSent.Add(int64(len(payload)))
	}

	if shutdownDelay > 0 {
		time.Sleep(shutdownDelay)
	}
	bc.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	bc.conn.Close()
	<-readerDone
}

// rampUp spreads client connects over 25% of the test duration, at least 1ms
// apart
func rampUp(duration time.Duration, clients int) (total, stagger time.Duration) {
	total = duration / 4
	stagger = total / time.Duration(max(clients, 1))
	if stagger < 1*time.Millisecond {
		stagger = 1 * time.Millisecond
	}
	return total, stagger
}

func initLogging() error {
	// Truncate on each run to avoid confusion
	logFile, err := os.OpenFile("loadtest.log", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return fmt.Errorf("failed to create loadtest.log: %w", err)
	}
	log.SetOutput(io.MultiWriter(os.Stdout, logFile))
	log.SetFlags(log.LstdFlags)
	return nil
}

func main() {
	url := flag.String("url", "ws://localhost:80/", "Proxy WebSocket URL")
	modeName := flag.String("mode", "hub", "Proxy mode (hub or relay)")
	numClients := flag.Int("clients", 10, "Number of concurrent clients")
	numChannels := flag.Int("channels", 2, "Number of channels clients are spread over")
	duration := flag.Duration("duration", 1*time.Minute, "Test duration")
	minDelay := flag.Duration("min-delay", 100*time.Millisecond, "Minimum delay between posts")
	maxDelay := flag.Duration("max-delay", 1*time.Second, "Maximum delay between posts")
	flag.Parse()

	mode, err := server.ParseMode(*modeName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	*numClients = max(*numClients, 1)
	if *numChannels < 1 {
		*numChannels = 1
	}

	if err := initLogging(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logging: %v\n", err)
		os.Exit(1)
	}

	rampUpDuration, staggerDelay := rampUp(*duration, *numClients)

	log.Printf("Starting load test:")
	log.Printf("  URL: %s (%s mode)", *url, mode)
	log.Printf("  Clients: %d over %d channels", *numClients, *numChannels)
	log.Printf("  Duration: %v", *duration)
	log.Printf("  Ramp-up: %v (%v per client)", rampUpDuration, staggerDelay)
	log.Printf("  Delay: %v - %v", *minDelay, *maxDelay)

	stats := &Stats{}
	stop := make(chan struct{})
	var stopOnce sync.Once
	var wg sync.WaitGroup

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Printf("Shutdown signal received, stopping test...")
		stopOnce.Do(func() { close(stop) })
	}()

	stopStats := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		startTime := time.Now()
		for {
			select {
			case <-ticker.C:
				sent, received, failed, connErrors, avgUs := stats.snapshot()
				elapsed := time.Since(startTime).Seconds()
				log.Printf("Stats: %d sent (%.1f/s), %d delivered, %d failed, %d conn errors, avg latency %.2fms, load %.2f, goroutines %d",
					sent, float64(sent)/elapsed, received, failed, connErrors, avgUs/1000.0, getCPULoad(), runtime.NumGoroutine())
			case <-stopStats:
				return
			}
		}
	}()

	for i := 0; i < *numClients; i++ {
		wg.Add(1)
		shutdownDelay := staggerDelay * time.Duration(*numClients-i-1)

		go func(id int, shutdownDelay time.Duration) {
			defer wg.Done()

			bot := &BotClient{
				id:      id,
				uid:     fmt.Sprintf("bot%d", id),
				channel: fmt.Sprintf("load%d", id%*numChannels),
				mode:    mode,
				stats:   stats,
			}
			if err := bot.Connect(*url); err != nil {
				stats.connectionErrors.Add(1)
				if id%100 == 0 {
					log.Printf("[Bot %d] %v", id, err)
				}
				return
			}
			stats.successfulClients.Add(1)
			if id%100 == 0 {
				log.Printf("[Bot %d] Connected", id)
			}

			bot.Run(*duration, *minDelay, *maxDelay, shutdownDelay, stop)
		}(i, shutdownDelay)

		select {
		case <-stop:
		case <-time.After(staggerDelay):
		}
	}

	wg.Wait()
	close(stopStats)

	sent, received, failed, connErrors, avgUs := stats.snapshot()
	successfulClients := stats.successfulClients.Load()

	log.Printf("=== Final Results ===")
	log.Printf("Clients: %d attempted, %d successful (%.1f%%)", *numClients, successfulClients, float64(successfulClients)/float64(*numClients)*100)
	log.Printf("Duration: %v", *duration)
	log.Printf("Messages sent: %d (%.1f/s, %s)", sent, float64(sent)/duration.Seconds(), sizestr.ToString(stats.bytesSent.Load()))
	log.Printf("Messages delivered: %d", received)
	log.Printf("Messages failed: %d", failed)
	log.Printf("Disconnections: %d", stats.disconnections.Load())
	log.Printf("Connection errors: %d", connErrors)
	log.Printf("Average delivery latency: %.2fms", avgUs/1000.0)

	// Every message should reach the other members of its channel
	perChannel := float64(successfulClients) / float64(*numChannels)
	if sent > 0 && perChannel > 1 {
		expected := float64(sent) * (perChannel - 1)
		log.Printf("Delivery ratio: %.1f%% of ~%.0f expected", float64(received)/expected*100, expected)
	}
}
