package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultOllamaURL   = "http://localhost:11434"
	defaultOllamaModel = "llama3.2"
)

// Ollama implements Client against a local Ollama server. Ollama has no
// native tool-call mechanism, so each method instructs the model to emit a
// single JSON object and parses it (with ExtractJSON handling code fences).
type Ollama struct {
	baseURL string
	model   string
	client  *http.Client
}

// NewOllama returns an Ollama-backed client. Empty arguments select the
// defaults (localhost, llama3.2).
func NewOllama(baseURL, model string) *Ollama {
	if baseURL == "" {
		baseURL = defaultOllamaURL
	}
	if model == "" {
		model = defaultOllamaModel
	}
	return &Ollama{
		baseURL: baseURL,
		model:   model,
		client:  &http.Client{Timeout: 120 * time.Second},
	}
}

type ollamaGenerateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
	Format string `json:"format,omitempty"`
}

type ollamaGenerateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

func (o *Ollama) generate(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(ollamaGenerateRequest{
		Model:  o.model,
		Prompt: prompt,
		Stream: false,
		Format: "json",
	})
	if err != nil {
		return "", fmt.Errorf("llm: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("llm: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("llm: ollama request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("llm: ollama status %d: %s", resp.StatusCode, msg)
	}

	var result ollamaGenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("llm: decode response: %w", err)
	}
	return result.Response, nil
}

func (o *Ollama) generateInto(ctx context.Context, prompt string, v any) error {
	raw, err := o.generate(ctx, prompt)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(ExtractJSON(raw)), v); err != nil {
		return fmt.Errorf("llm: parse model output: %w", err)
	}
	return nil
}

func (o *Ollama) DecideDedup(ctx context.Context, entryContent, entrySubject, entryType string, neighbors []Neighbor) (DedupDecision, error) {
	var sb strings.Builder
	sb.WriteString(`You maintain a deduplicated knowledge store. A new entry arrived; decide
what to do with it relative to the existing similar entries below.

Actions:
- ADD: the new entry is genuinely new knowledge.
- SKIP: an existing entry already says this; keep the existing one.
- UPDATE: an existing entry covers this but the new entry adds detail; merge
  the texts into merged_content.
- SUPERSEDE: the new entry replaces an existing entry that is now outdated.

Respond with ONLY a JSON object:
{"action": "ADD|SKIP|UPDATE|SUPERSEDE", "target_id": "...", "merged_content": "...", "reason": "..."}
target_id is required for SKIP, UPDATE and SUPERSEDE.

New entry:
`)
	fmt.Fprintf(&sb, "[%s] subject=%s\n%s\n\nExisting entries:\n", entryType, entrySubject, entryContent)
	for _, n := range neighbors {
		fmt.Fprintf(&sb, "id=%s [%s] subject=%s similarity=%.2f\n%s\n\n", n.ID, n.Type, n.Subject, n.Similarity, n.Content)
	}

	var d DedupDecision
	if err := o.generateInto(ctx, sb.String(), &d); err != nil {
		return DedupDecision{}, err
	}
	return d, nil
}

func (o *Ollama) ExtractClaim(ctx context.Context, content, subject string) (Claim, error) {
	prompt := fmt.Sprintf(`Extract the central claim from this knowledge entry as a structured
statement. Respond with ONLY a JSON object:
{"subject_entity": "...", "subject_attribute": "...", "predicate": "...", "object": "...", "confidence": 0.0}
Leave fields empty if the entry does not state a clear claim.

Subject: %s
Content: %s`, subject, content)

	var c Claim
	if err := o.generateInto(ctx, prompt, &c); err != nil {
		return Claim{}, err
	}
	return c, nil
}

func (o *Ollama) ClassifyConflict(ctx context.Context, newContent, existingContent string) (ConflictJudgment, error) {
	prompt := fmt.Sprintf(`Two knowledge entries make claims about the same subject. Classify their
relationship. Respond with ONLY a JSON object:
{"relation": "supersedes|contradicts|coexists|unrelated", "confidence": 0.0, "explanation": "..."}

- supersedes: the new entry is a later state of the same fact; the old one is obsolete.
- contradicts: they cannot both be true and neither is clearly newer.
- coexists: both can be true at once.
- unrelated: they are not actually about the same thing.

New entry: %s
Existing entry: %s`, newContent, existingContent)

	var j ConflictJudgment
	if err := o.generateInto(ctx, prompt, &j); err != nil {
		return ConflictJudgment{}, err
	}
	return j, nil
}

func (o *Ollama) SameKnowledge(ctx context.Context, a, b string) (bool, error) {
	prompt := fmt.Sprintf(`Do these two entries encode the same piece of knowledge? Respond with
ONLY a JSON object: {"same": true} or {"same": false}

Entry A: %s
Entry B: %s`, a, b)

	var out struct {
		Same bool `json:"same"`
	}
	if err := o.generateInto(ctx, prompt, &out); err != nil {
		return false, err
	}
	return out.Same, nil
}

func (o *Ollama) SynthesizeMerge(ctx context.Context, prompt string) (MergeProposal, error) {
	var p MergeProposal
	if err := o.generateInto(ctx, prompt, &p); err != nil {
		return MergeProposal{}, err
	}
	return p, nil
}
