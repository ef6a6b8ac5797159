// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package textgen

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/execpilot/core/internal/config"
)

func TestGenerate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("unexpected Authorization %q", got)
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.ResponseFormat["type"] != "json_object" {
			t.Errorf("expected forced JSON response format, got %v", req.ResponseFormat)
		}
		if req.Model != "test-model" || len(req.Messages) != 2 {
			t.Errorf("unexpected request %+v", req)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"`+"```json\\n{\\\"ok\\\":true}\\n```"+`"}}]}`)
	}))
	defer server.Close()

	gen := FromConfig(config.AIConfig{BaseURL: server.URL, APIKey: "sk-test", Model: "test-model", Timeout: 5 * time.Second})
	if gen == nil {
		t.Fatal("expected a generator")
	}

	out, err := gen.Generate(context.Background(), "say ok")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != `{"ok":true}` {
		t.Errorf("expected fence to be stripped, got %q", out)
	}
}

func TestGenerate_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"error":"overloaded"}`)
	}))
	defer server.Close()

	c := New(config.AIConfig{BaseURL: server.URL, Model: "m", Timeout: time.Second})
	if _, err := c.Generate(context.Background(), "hello"); err == nil {
		t.Fatal("expected error on 503")
	}
}

func TestFromConfig_Disabled(t *testing.T) {
	if gen := FromConfig(config.AIConfig{}); gen != nil {
		t.Error("expected nil generator when no endpoint is configured")
	}
}

func TestSchemaDecode(t *testing.T) {
	s := MustCompileSchema("answer.json", `{
		"type": "object",
		"required": ["answer"],
		"properties": {"answer": {"type": "integer", "minimum": 0}}
	}`)

	var v struct {
		Answer int `json:"answer"`
	}
	if err := s.Decode(`{"answer": 42}`, &v); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.Answer != 42 {
		t.Errorf("expected 42, got %d", v.Answer)
	}

	for _, bad := range []string{`{"answer": -1}`, `{"other": 1}`, `not json`, `{"answer": "42"}`} {
		if err := s.Decode(bad, &v); err == nil {
			t.Errorf("expected %q to be rejected", bad)
		}
	}
}
