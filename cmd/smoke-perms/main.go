package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"time"
)

// Smoke test against a running node: bootstrap a workspace, invite a member,
// accept, change the role and verify the projection end to end.
func main() {
	base := os.Getenv("PAPERHUB_API_URL")
	if base == "" {
		base = "http://localhost:8080"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	ws := fmt.Sprintf("ws-smoke-%d", rand.New(rand.NewSource(time.Now().UnixNano())).Intn(1_000_000))
	ownerEmail := "smoke-owner@example.com"
	memberEmail := "smoke-member@example.com"

	owner, err := obtainToken(ctx, base, ownerEmail)
	if err != nil {
		log.Fatalf("owner token: %v", err)
	}
	member, err := obtainToken(ctx, base, memberEmail)
	if err != nil {
		log.Fatalf("member token: %v", err)
	}

	steps := []struct {
		name   string
		method string
		path   string
		body   map[string]any
		token  string
	}{
		{"bootstrap invite", http.MethodPost, "/v1/workspaces/" + ws + "/permissions", map[string]any{"email": ownerEmail, "role": "owner"}, owner},
		{"bootstrap accept", http.MethodPost, "/v1/workspaces/" + ws + "/permissions/" + ownerEmail + "/accept", nil, owner},
		{"invite member", http.MethodPost, "/v1/workspaces/" + ws + "/permissions", map[string]any{"email": memberEmail, "role": "viewer"}, owner},
		{"accept invite", http.MethodPost, "/v1/workspaces/" + ws + "/permissions/" + memberEmail + "/accept", nil, member},
		{"promote member", http.MethodPut, "/v1/workspaces/" + ws + "/permissions/" + memberEmail + "/role", map[string]any{"role": "editor"}, owner},
	}
	for _, step := range steps {
		if err := call(ctx, base, step.method, step.path, step.body, step.token, nil); err != nil {
			log.Fatalf("%s: %v", step.name, err)
		}
	}

	var list struct {
		Items []struct {
			UserEmail string `json:"user_email"`
			Role      string `json:"role"`
			Status    string `json:"status"`
		} `json:"items"`
	}
	if err := call(ctx, base, http.MethodGet, "/v1/workspaces/"+ws+"/permissions", nil, member, &list); err != nil {
		log.Fatalf("list permissions: %v", err)
	}
	if len(list.Items) != 2 {
		log.Fatalf("expected 2 members, got %d", len(list.Items))
	}
	for _, item := range list.Items {
		switch item.UserEmail {
		case ownerEmail:
			if item.Role != "owner" || item.Status != "active" {
				log.Fatalf("owner row is %s/%s", item.Role, item.Status)
			}
		case memberEmail:
			if item.Role != "editor" || item.Status != "active" {
				log.Fatalf("member row is %s/%s", item.Role, item.Status)
			}
		default:
			log.Fatalf("unexpected member %s", item.UserEmail)
		}
	}

	var replay struct {
		Events []json.RawMessage `json:"events"`
	}
	if err := call(ctx, base, http.MethodGet, "/v1/events/replay?entity="+ws+":"+memberEmail, nil, member, &replay); err != nil {
		log.Fatalf("replay: %v", err)
	}
	if len(replay.Events) != 3 {
		log.Fatalf("expected 3 events in member history, got %d", len(replay.Events))
	}

	fmt.Printf("✅ permissions smoke test passed: workspace=%s\n", ws)
}

func obtainToken(ctx context.Context, base, email string) (string, error) {
	var out struct {
		Token string `json:"token"`
	}
	if err := call(ctx, base, http.MethodPost, "/v1/auth/token", map[string]any{"email": email}, "", &out); err != nil {
		return "", err
	}
	if out.Token == "" {
		return "", fmt.Errorf("empty token returned")
	}
	return out.Token, nil
}

func call(ctx context.Context, base, method, path string, body map[string]any, token string, out any) error {
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
