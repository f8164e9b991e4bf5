// Command smoke-auth drives a running API through a full session lifecycle,
// including refresh-token reuse detection.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"nbihak.org/internal/ids"
)

type client struct {
	base string
	http *http.Client
}

func main() {
	log.SetFlags(0)
	base := os.Getenv("NBIHAK_API_URL")
	if base == "" {
		base = "http://localhost:8080"
	}
	c := &client{base: strings.TrimRight(base, "/"), http: &http.Client{Timeout: 5 * time.Second}}

	username := "smoke-" + strings.ToLower(ids.New())
	password := "Sm0ke-" + ids.New()

	c.expect("register", http.MethodPost, "/v1/auth/register", map[string]string{
		"username": username,
		"email":    username + "@example.com",
		"password": password,
	}, "", nil, http.StatusCreated).Body.Close()

	var session struct {
		AccessToken string `json:"access_token"`
	}
	resp := c.expect("login", http.MethodPost, "/v1/auth/login", map[string]string{
		"username": username,
		"password": password,
	}, "", nil, http.StatusOK)
	first := refreshCookie(resp)
	decode(resp, &session)

	c.expect("me", http.MethodGet, "/v1/me", nil, session.AccessToken, nil, http.StatusOK).Body.Close()

	resp = c.expect("refresh", http.MethodPost, "/v1/auth/refresh", nil, "", first, http.StatusOK)
	second := refreshCookie(resp)
	resp.Body.Close()

	c.expect("replay", http.MethodPost, "/v1/auth/refresh", nil, "", first, http.StatusUnauthorized).Body.Close()
	c.expect("chain revoked", http.MethodPost, "/v1/auth/refresh", nil, "", second, http.StatusUnauthorized).Body.Close()
	c.expect("logout", http.MethodPost, "/v1/auth/logout", nil, "", second, http.StatusNoContent).Body.Close()

	fmt.Printf("session smoke test passed: user=%s\n", username)
}

func (c *client) expect(step, method, path string, body any, token string, cookie *http.Cookie, want int) *http.Response {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			log.Fatalf("%s: encode: %v", step, err)
		}
	}
	req, err := http.NewRequest(method, c.base+path, &buf)
	if err != nil {
		log.Fatalf("%s: %v", step, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if cookie != nil {
		req.AddCookie(&http.Cookie{Name: cookie.Name, Value: cookie.Value})
	}
	resp, err := c.http.Do(req)
	if err != nil {
		log.Fatalf("%s: %v", step, err)
	}
	if resp.StatusCode != want {
		resp.Body.Close()
		log.Fatalf("%s: expected %d, got %d (request_id=%s)", step, want, resp.StatusCode, resp.Header.Get("X-Request-ID"))
	}
	return resp
}

func refreshCookie(resp *http.Response) *http.Cookie {
	for _, c := range resp.Cookies() {
		if c.Name == "refresh_token" && c.Value != "" {
			return c
		}
	}
	log.Fatal("response carries no refresh_token cookie")
	return nil
}

func decode(resp *http.Response, dst any) {
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		log.Fatalf("decode: %v", err)
	}
}
