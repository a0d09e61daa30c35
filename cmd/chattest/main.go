// Package main provides a load testing tool for the chat WebSocket server.
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
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"parley/internal/middleware"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Metrics tracks the test results
type Metrics struct {
	ConnectionsAttempted int64
	ConnectionsSuccess   int64
	ConnectionsFailed    int64
	MessagesSent         int64
	MessagesAcked        int64
	MessagesFailed       int64
	EnvelopesReceived    int64
	Errors               int64
}

var metrics Metrics

type frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func main() {
	host := flag.String("host", "localhost:8375", "API server host")
	secret := flag.String("secret", os.Getenv("JWT_SECRET"), "JWT secret used to mint test tokens")
	prefix := flag.String("prefix", "load", "User id prefix for test clients")
	clients := flag.Int("clients", 20, "Number of concurrent clients")
	duration := flag.Duration("duration", 30*time.Second, "Test duration")
	interval := flag.Duration("interval", 2*time.Second, "Delay between messages per client")
	mint := flag.String("mint", "", "Print a token for this user id and exit")
	flag.Parse()

	if *secret == "" {
		log.Fatal("❌ -secret or JWT_SECRET is required")
	}

	if *mint != "" {
		token, err := middleware.IssueUserToken(*secret, *mint, 24*time.Hour)
		if err != nil {
			log.Fatalf("❌ Mint failed: %v", err)
		}
		fmt.Println(token)
		return
	}
	if *clients < 2 {
		log.Fatal("❌ at least 2 clients are required")
	}

	log.Printf("🚀 Starting Chat Load Test")
	log.Printf("Target: %s", *host)
	log.Printf("Clients: %d", *clients)
	log.Printf("Duration: %v", *duration)

	tokens := make([]string, *clients)
	members := make([]string, 0, *clients-1)
	for i := range tokens {
		userID := fmt.Sprintf("%s-%d", *prefix, i)
		token, err := middleware.IssueUserToken(*secret, userID, time.Hour)
		if err != nil {
			log.Fatalf("❌ Mint failed: %v", err)
		}
		tokens[i] = token
		if i > 0 {
			members = append(members, userID)
		}
	}

	chatID, err := createRoom(*host, tokens[0], members)
	if err != nil {
		log.Fatalf("❌ Room creation failed: %v", err)
	}
	log.Printf("✅ Room %s ready", chatID)

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)

	var wg sync.WaitGroup
	stopChan := make(chan struct{})

	// Start clients
	for i := 0; i < *clients; i++ {
		wg.Add(1)
		go runClient(*host, tokens[i], chatID, i, *interval, stopChan, &wg)
		time.Sleep(50 * time.Millisecond) // Stagger connections to allow ticket issuance
	}

	// Wait for duration or interrupt
	select {
	case <-time.After(*duration):
		log.Println("⏱️  Test duration reached")
	case <-interrupt:
		log.Println("🛑 Interrupted by user")
	}

	close(stopChan)
	log.Println("Waiting for clients to disconnect...")
	wg.Wait()

	printMetrics()
}

func authorized(method, target, token string, body interface{}) (*http.Response, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequest(method, target, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 5 * time.Second}
	return client.Do(req)
}

func createRoom(host, token string, members []string) (string, error) {
	resp, err := authorized(http.MethodPost, fmt.Sprintf("http://%s/api/chats", host), token, map[string]interface{}{
		"type":         "group",
		"name":         fmt.Sprintf("Load test %s", time.Now().Format(time.Kitchen)),
		"participants": members,
	})
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("create chat failed with status %d", resp.StatusCode)
	}

	var result struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}
	return result.ID, nil
}

// getTicket returns an empty ticket when the server has no ticket store.
func getTicket(host, token string) (string, error) {
	resp, err := authorized(http.MethodPost, fmt.Sprintf("http://%s/api/ws/ticket", host), token, nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusServiceUnavailable {
		return "", nil
	}
	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("ticket issuance failed with status %d", resp.StatusCode)
	}

	var result struct {
		Ticket string `json:"ticket"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}

	return result.Ticket, nil
}

func runClient(host, token, chatID string, id int, interval time.Duration, stopChan <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()
	atomic.AddInt64(&metrics.ConnectionsAttempted, 1)

	// Get a fresh ticket for this connection
	ticket, err := getTicket(host, token)
	if err != nil {
		atomic.AddInt64(&metrics.ConnectionsFailed, 1)
		atomic.AddInt64(&metrics.Errors, 1)
		return
	}

	query := url.Values{}
	if ticket != "" {
		query.Set("ticket", ticket)
	} else {
		query.Set("token", token)
	}
	u := url.URL{Scheme: "ws", Host: host, Path: "/api/ws", RawQuery: query.Encode()}

	dialer := websocket.DefaultDialer
	c, resp, err := dialer.Dial(u.String(), nil)
	if err != nil {
		atomic.AddInt64(&metrics.ConnectionsFailed, 1)
		atomic.AddInt64(&metrics.Errors, 1)
		return
	}
	if resp != nil && resp.Body != nil {
		defer func() { _ = resp.Body.Close() }()
	}
	defer func() { _ = c.Close() }()

	atomic.AddInt64(&metrics.ConnectionsSuccess, 1)

	// Read loop
	go func() {
		for {
			_, data, err := c.ReadMessage()
			if err != nil {
				return
			}
			var f frame
			if json.Unmarshal(data, &f) != nil {
				atomic.AddInt64(&metrics.Errors, 1)
				continue
			}
			switch f.Type {
			case "ack":
				atomic.AddInt64(&metrics.MessagesAcked, 1)
			case "message_failed":
				atomic.AddInt64(&metrics.MessagesFailed, 1)
			case "error":
				atomic.AddInt64(&metrics.Errors, 1)
			default:
				atomic.AddInt64(&metrics.EnvelopesReceived, 1)
			}
		}
	}()

	if err := c.WriteJSON(map[string]string{"type": "view", "chatId": chatID}); err != nil {
		atomic.AddInt64(&metrics.Errors, 1)
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopChan:
			_ = c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-ticker.C:
			msg := map[string]interface{}{
				"type":    "message",
				"ref":     uuid.NewString(),
				"id":      uuid.NewString(),
				"chatId":  chatID,
				"content": fmt.Sprintf("Load test message from client %d", id),
			}
			if err := c.WriteJSON(msg); err != nil {
				atomic.AddInt64(&metrics.Errors, 1)
				return
			}
			atomic.AddInt64(&metrics.MessagesSent, 1)
		}
	}
}

func printMetrics() {
	log.Println("\n📊 Test Results")
	log.Println("===============")
	log.Printf("Connections Attempted: %d", atomic.LoadInt64(&metrics.ConnectionsAttempted))
	log.Printf("Connections Successful: %d", atomic.LoadInt64(&metrics.ConnectionsSuccess))
	log.Printf("Connections Failed: %d", atomic.LoadInt64(&metrics.ConnectionsFailed))
	log.Printf("Messages Sent: %d", atomic.LoadInt64(&metrics.MessagesSent))
	log.Printf("Messages Acked: %d", atomic.LoadInt64(&metrics.MessagesAcked))
	log.Printf("Messages Failed: %d", atomic.LoadInt64(&metrics.MessagesFailed))
	log.Printf("Envelopes Received: %d", atomic.LoadInt64(&metrics.EnvelopesReceived))
	log.Printf("Total Errors: %d", atomic.LoadInt64(&metrics.Errors))
}
