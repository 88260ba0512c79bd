package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"
)

type tokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

type client struct {
	base string
	http *http.Client
}

func main() {
	base := strings.TrimRight(os.Getenv("LEXDESK_API_URL"), "/")
	if base == "" {
		base = "http://localhost:8080"
	}
	email, password := os.Getenv("LEXDESK_ADMIN_EMAIL"), os.Getenv("LEXDESK_ADMIN_PASSWORD")
	if email == "" || password == "" {
		log.Fatal("LEXDESK_ADMIN_EMAIL and LEXDESK_ADMIN_PASSWORD are required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	c := &client{base: base, http: &http.Client{Timeout: 5 * time.Second}}

	var session tokenPair
	if code := c.call(ctx, http.MethodPost, "/v1/auth/login", "", map[string]string{"email": email, "password": password}, &session); code != http.StatusOK {
		log.Fatalf("login: status %d", code)
	}

	var me struct {
		Permissions []string `json:"permissions"`
	}
	if code := c.call(ctx, http.MethodGet, "/v1/auth/me", session.AccessToken, nil, &me); code != http.StatusOK {
		log.Fatalf("me: status %d", code)
	}
	if len(me.Permissions) == 0 {
		log.Fatal("admin resolved no permissions")
	}

	var rotated tokenPair
	if code := c.call(ctx, http.MethodPost, "/v1/auth/refresh-token", "", map[string]string{"refreshToken": session.RefreshToken}, &rotated); code != http.StatusOK {
		log.Fatalf("refresh: status %d", code)
	}
	if code := c.call(ctx, http.MethodPost, "/v1/auth/refresh-token", "", map[string]string{"refreshToken": session.RefreshToken}, nil); code != http.StatusUnauthorized {
		log.Fatalf("reused refresh token accepted: status %d", code)
	}
	if code := c.call(ctx, http.MethodPost, "/v1/auth/logout", "", map[string]string{"refreshToken": rotated.RefreshToken}, nil); code != http.StatusNoContent {
		log.Fatalf("logout: status %d", code)
	}
	if code := c.call(ctx, http.MethodPost, "/v1/auth/refresh-token", "", map[string]string{"refreshToken": rotated.RefreshToken}, nil); code != http.StatusUnauthorized {
		log.Fatalf("logged-out refresh token accepted: status %d", code)
	}

	fmt.Printf("✅ auth smoke test passed: %d permissions for %s\n", len(me.Permissions), email)
}

func (c *client) call(ctx context.Context, method, path, bearer string, body, out any) int {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			log.Fatalf("marshal %s: %v", path, err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, bytes.NewReader(payload))
	if err != nil {
		log.Fatalf("request %s: %v", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		log.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			log.Fatalf("decode %s: %v", path, err)
		}
	}
	return resp.StatusCode
}
