package rpc

import (
	"encoding/json"
	"strings"
	"sync"
	"testing"
)

func TestNewRequestEnvelope(t *testing.T) {
	req, err := NewRequest(42, "read", map[string]any{"path": "/a.txt"})
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if decoded["jsonrpc"] != "2.0" || decoded["method"] != "read" || decoded["id"] != float64(42) {
		t.Fatalf("envelope = %s", data)
	}
	params, _ := decoded["params"].(map[string]any)
	if params["path"] != "/a.txt" {
		t.Fatalf("params = %v", decoded["params"])
	}
	for _, field := range []string{"result", "error"} {
		if _, ok := decoded[field]; ok {
			t.Fatalf("request carries %q: %s", field, data)
		}
	}
}

func TestMessageCheckReply(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		reason string
	}{
		{"result", `{"jsonrpc":"2.0","id":1,"result":"hello"}`, ""},
		{"null result", `{"jsonrpc":"2.0","id":1,"result":null}`, ""},
		{"error", `{"jsonrpc":"2.0","id":1,"error":{"code":-1,"message":"x"}}`, ""},
		{"wrong version", `{"jsonrpc":"1.0","id":1,"result":1}`, "version"},
		{"missing version", `{"id":1,"result":1}`, "version"},
		{"missing id", `{"jsonrpc":"2.0","result":1}`, "no id"},
		{"both", `{"jsonrpc":"2.0","id":1,"result":1,"error":{"code":1,"message":"x"}}`, "both"},
		{"neither", `{"jsonrpc":"2.0","id":1}`, "neither"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var msg Message
			if err := json.Unmarshal([]byte(tc.raw), &msg); err != nil {
				t.Fatalf("Unmarshal() error = %v", err)
			}
			err := msg.CheckReply()
			if tc.reason == "" {
				if err != nil {
					t.Fatalf("CheckReply() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.reason) {
				t.Fatalf("CheckReply() error = %v, want mention of %q", err, tc.reason)
			}
		})
	}
}

func TestProbeID(t *testing.T) {
	tests := []struct {
		raw  string
		id   int64
		okay bool
	}{
		{`{"id":12,"error":"x"}`, 12, true},
		{`{"id":"12"}`, 12, true},
		{`{"id":null}`, 0, false},
		{`{"result":1}`, 0, false},
		{`[1,2]`, 0, false},
	}
	for _, tc := range tests {
		id, ok := probeID(json.RawMessage(tc.raw))
		if id != tc.id || ok != tc.okay {
			t.Fatalf("probeID(%s) = (%d,%v), want (%d,%v)", tc.raw, id, ok, tc.id, tc.okay)
		}
	}
}

func TestIDSourceUniqueAcrossGoroutines(t *testing.T) {
	ids := NewIDSource()
	const workers, per = 8, 100

	var mu sync.Mutex
	seen := make(map[int64]struct{}, workers*per)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]int64, 0, per)
			for i := 0; i < per; i++ {
				local = append(local, ids.Next())
			}
			mu.Lock()
			for _, id := range local {
				seen[id] = struct{}{}
			}
			mu.Unlock()
		}()
	}
	wg.Wait()
	if len(seen) != workers*per {
		t.Fatalf("unique ids = %d, want %d", len(seen), workers*per)
	}
	if _, ok := seen[0]; ok {
		t.Fatal("IDSource issued id 0")
	}
}
