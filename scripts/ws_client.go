// Package main runs a demo WebSocket client for the floor pulse feed.
package main

import (
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/websocket"

	"towerintel/internal/auth"
	"towerintel/internal/config"
)

type wsMessage struct {
	Type    string `json:"type"`
	Channel string `json:"channel,omitempty"`
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	host := fmt.Sprintf("localhost:%d", cfg.Server.Port)
	floor := os.Getenv("FLOOR")
	if floor == "" {
		floor = "9"
	}

	// Use TOKEN when given, otherwise mint one with the configured secret
	token := os.Getenv("TOKEN")
	if token == "" {
		v, err := auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Audience, cfg.Auth.TokenTTL)
		if err != nil {
			log.Fatal(err)
		}
		if token, err = v.Issue("demo-client", "admin"); err != nil {
			log.Fatal(err)
		}
	}

	u := url.URL{Scheme: "ws", Host: host, Path: "/ws/floor-pulse/" + floor, RawQuery: "token=" + url.QueryEscape(token)}
	c, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatal("dial:", err)
	}
	defer func() { _ = c.Close() }()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, data, err := c.ReadMessage()
			if err != nil {
				log.Printf("read: %v", err)
				return
			}
			log.Printf("WS <- %s", data)
		}
	}()

	if err := c.WriteJSON(wsMessage{Type: "ping"}); err != nil {
		log.Fatal(err)
	}
	if err := c.WriteJSON(wsMessage{Type: "subscribe", Channel: "floor-pulse-4"}); err != nil {
		log.Fatal(err)
	}

	// A pulse query publishes a floor_pulse event to this floor's channel
	time.Sleep(500 * time.Millisecond)
	req, _ := http.NewRequest(http.MethodGet, fmt.Sprintf("http://%s/api/floors/%s/pulse", host, floor), nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Fatal(err)
	}
	_ = resp.Body.Close()
	log.Printf("pulse query: %s (X-Cache %s, remaining %s)", resp.Status, resp.Header.Get("X-Cache"), resp.Header.Get("X-RateLimit-Remaining"))

	select {
	case <-time.After(2 * time.Second):
	case <-done:
	}
}
