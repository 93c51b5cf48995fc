package main

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLoadFixtures_BaseOnly(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "fix-planner.json", `{"file":"src/app.ts","action":"replace"}`)
	writeFixture(t, dir, "fix-analyzer.json", `{"intent":"bug","feasibility":"high"}`)

	fixtures, err := loadFixtures(dir)
	if err != nil {
		t.Fatalf("loadFixtures: %v", err)
	}

	if len(fixtures) != 2 {
		t.Fatalf("expected 2 models, got %d", len(fixtures))
	}
	for model, seq := range fixtures {
		if len(seq) != 1 {
			t.Errorf("model %q: expected 1 fixture, got %d", model, len(seq))
		}
	}
}

func TestLoadFixtures_Sequential(t *testing.T) {
	dir := t.TempDir()

	// Numbered fixtures drive the retry loop: the first plan fails the
	// gate, the second passes.
	writeFixture(t, dir, "fix-planner.1.json", `{"file":"src/app.ts","note":"first attempt"}`)
	writeFixture(t, dir, "fix-planner.2.json", `{"file":"src/app.ts","note":"second attempt"}`)
	writeFixture(t, dir, "fix-planner.json", `{"file":"src/app.ts","note":"fallback"}`)

	writeFixture(t, dir, "fix-analyzer.json", `{"intent":"bug"}`)

	fixtures, err := loadFixtures(dir)
	if err != nil {
		t.Fatalf("loadFixtures: %v", err)
	}

	plannerSeq := fixtures["fix-planner"]
	if len(plannerSeq) != 3 {
		t.Fatalf("fix-planner: expected 3 fixtures, got %d", len(plannerSeq))
	}

	if !strings.Contains(plannerSeq[0], "first attempt") {
		t.Errorf("fixture[0] should be first attempt, got: %s", plannerSeq[0])
	}
	if !strings.Contains(plannerSeq[1], "second attempt") {
		t.Errorf("fixture[1] should be second attempt, got: %s", plannerSeq[1])
	}
	if !strings.Contains(plannerSeq[2], "fallback") {
		t.Errorf("fixture[2] should be the fallback, got: %s", plannerSeq[2])
	}

	if len(fixtures["fix-analyzer"]) != 1 {
		t.Fatalf("fix-analyzer: expected 1 fixture, got %d", len(fixtures["fix-analyzer"]))
	}
}

func TestLoadFixtures_NumberedOnly(t *testing.T) {
	dir := t.TempDir()

	writeFixture(t, dir, "fix-planner.1.json", `{"note":"one"}`)
	writeFixture(t, dir, "fix-planner.2.json", `{"note":"two"}`)

	fixtures, err := loadFixtures(dir)
	if err != nil {
		t.Fatalf("loadFixtures: %v", err)
	}

	if len(fixtures["fix-planner"]) != 2 {
		t.Fatalf("expected 2 fixtures, got %d", len(fixtures["fix-planner"]))
	}
}

func TestLoadFixtures_EmptyDir(t *testing.T) {
	dir := t.TempDir()

	if _, err := loadFixtures(dir); err == nil {
		t.Fatal("expected error for empty directory")
	}
}

func TestSequentialFixtureSelection(t *testing.T) {
	fixtures := map[string][]string{
		"fix-planner": {
			`{"note":"first"}`,
			`{"note":"second"}`,
		},
		"fix-analyzer": {
			`{"intent":"bug"}`,
		},
	}

	s := newServer(fixtures, testLogger())

	resp1 := doCompletion(t, s, "fix-planner")
	if !strings.Contains(resp1, "first") {
		t.Errorf("call 1: expected first, got: %s", resp1)
	}

	resp2 := doCompletion(t, s, "fix-planner")
	if !strings.Contains(resp2, "second") {
		t.Errorf("call 2: expected second, got: %s", resp2)
	}

	// Beyond the sequence the last fixture repeats.
	resp3 := doCompletion(t, s, "fix-planner")
	if !strings.Contains(resp3, "second") {
		t.Errorf("call 3: expected second (repeat last), got: %s", resp3)
	}

	// Other models keep their own counters.
	analyzerResp := doCompletion(t, s, "fix-analyzer")
	if !strings.Contains(analyzerResp, "bug") {
		t.Errorf("analyzer: expected bug, got: %s", analyzerResp)
	}
}

func TestUnknownModelReturns404(t *testing.T) {
	s := newServer(map[string][]string{"fix-planner": {`{}`}}, testLogger())

	body := strings.NewReader(`{"model":"unknown","messages":[{"role":"user","content":"hi"}]}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", body)
	w := httptest.NewRecorder()
	s.handleChatCompletions(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestStatsEndpoint(t *testing.T) {
	fixtures := map[string][]string{
		"fix-planner":  {`{"note":"plan"}`},
		"fix-analyzer": {`{"intent":"bug"}`},
	}

	s := newServer(fixtures, testLogger())

	doCompletion(t, s, "fix-planner")
	doCompletion(t, s, "fix-planner")
	doCompletion(t, s, "fix-analyzer")

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	w := httptest.NewRecorder()
	s.handleStats(w, req)

	var stats struct {
		TotalCalls   int            `json:"total_calls"`
		CallsByModel map[string]int `json:"calls_by_model"`
	}
	if err := json.NewDecoder(w.Body).Decode(&stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}

	if stats.TotalCalls != 3 {
		t.Errorf("total_calls: expected 3, got %d", stats.TotalCalls)
	}
	if stats.CallsByModel["fix-planner"] != 2 {
		t.Errorf("fix-planner calls: expected 2, got %d", stats.CallsByModel["fix-planner"])
	}
	if stats.CallsByModel["fix-analyzer"] != 1 {
		t.Errorf("fix-analyzer calls: expected 1, got %d", stats.CallsByModel["fix-analyzer"])
	}
}

func TestRequestsEndpointCapturesPrompts(t *testing.T) {
	s := newServer(map[string][]string{"fix-planner": {`{"note":"plan"}`}}, testLogger())

	body := strings.NewReader(`{"model":"fix-planner","messages":[{"role":"user","content":"fix the save button"}]}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", body)
	w := httptest.NewRecorder()
	s.handleChatCompletions(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}

	reqReq := httptest.NewRequest(http.MethodGet, "/requests?model=fix-planner", nil)
	reqW := httptest.NewRecorder()
	s.handleRequests(reqW, reqReq)

	var captured struct {
		RequestsByModel map[string][]capturedRequest `json:"requests_by_model"`
	}
	if err := json.NewDecoder(reqW.Body).Decode(&captured); err != nil {
		t.Fatalf("decode requests: %v", err)
	}

	reqs := captured.RequestsByModel["fix-planner"]
	if len(reqs) != 1 {
		t.Fatalf("expected 1 captured request, got %d", len(reqs))
	}
	if reqs[0].CallIndex != 1 {
		t.Errorf("call_index: expected 1, got %d", reqs[0].CallIndex)
	}
	if len(reqs[0].Messages) != 1 || !strings.Contains(reqs[0].Messages[0].Content, "save button") {
		t.Errorf("captured messages missing prompt: %+v", reqs[0].Messages)
	}
}

func TestNumberedFileRegex(t *testing.T) {
	tests := []struct {
		filename string
		wantBase string
		wantNum  string
		match    bool
	}{
		{"fix-planner.1.json", "fix-planner", "1", true},
		{"fix-planner.2.json", "fix-planner", "2", true},
		{"fix-planner.10.json", "fix-planner", "10", true},
		{"fix-planner.json", "", "", false},
		{"fix-fast.json", "", "", false},
	}

	for _, tt := range tests {
		matches := numberedFileRe.FindStringSubmatch(tt.filename)
		if tt.match {
			if matches == nil {
				t.Errorf("%s: expected match, got nil", tt.filename)
				continue
			}
			if matches[1] != tt.wantBase {
				t.Errorf("%s: base=%q, want %q", tt.filename, matches[1], tt.wantBase)
			}
			if matches[2] != tt.wantNum {
				t.Errorf("%s: num=%q, want %q", tt.filename, matches[2], tt.wantNum)
			}
		} else if matches != nil {
			t.Errorf("%s: expected no match, got %v", tt.filename, matches)
		}
	}
}

// --- helpers ---

func writeFixture(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func doCompletion(t *testing.T, s *server, model string) string {
	t.Helper()
	body := strings.NewReader(`{"model":"` + model + `","messages":[{"role":"user","content":"test"}]}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", body)
	w := httptest.NewRecorder()
	s.handleChatCompletions(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("model %s: status %d, body: %s", model, w.Code, w.Body.String())
	}

	var resp chatResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Choices) == 0 {
		t.Fatalf("no choices in response")
	}
	return resp.Choices[0].Message.Content
}
