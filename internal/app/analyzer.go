package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"lyricsync/internal/store"
)

// Analyzer enriches a line's content with its final word, syllable count,
// stress pattern and rhyme flags.
type Analyzer interface {
	Analyze(ctx context.Context, content string) (store.Analysis, error)
}

// HTTPAnalyzer calls the analysis collaborator at POST {baseURL}/analyze.
type HTTPAnalyzer struct {
	baseURL string
	client  *http.Client
}

func NewHTTPAnalyzer(baseURL string, client *http.Client) *HTTPAnalyzer {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPAnalyzer{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

type analyzeRequest struct {
	Text string `json:"text"`
}

type analyzeResponse struct {
	Final      string   `json:"final"`
	Syllables  int      `json:"syllables"`
	Stress     string   `json:"stress"`
	RhymeFlags []string `json:"rhymeFlags"`
}

func (a *HTTPAnalyzer) Analyze(ctx context.Context, content string) (store.Analysis, error) {
	body, err := json.Marshal(analyzeRequest{Text: content})
	if err != nil {
		return store.Analysis{}, fmt.Errorf("marshal analyze request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/analyze", bytes.NewReader(body))
	if err != nil {
		return store.Analysis{}, fmt.Errorf("build analyze request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return store.Analysis{}, fmt.Errorf("call analyzer: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return store.Analysis{}, fmt.Errorf("analyzer returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	var out analyzeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return store.Analysis{}, fmt.Errorf("decode analysis: %w", err)
	}
	return store.Analysis{
		Final:      out.Final,
		Syllables:  out.Syllables,
		Stress:     out.Stress,
		RhymeFlags: out.RhymeFlags,
	}, nil
}
