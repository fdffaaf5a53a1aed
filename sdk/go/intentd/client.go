package intentd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// CallerHeader carries the address the server treats as msg.sender.
const CallerHeader = "X-Caller-Address"

// Client wraps the HTTP interactions with the intentd REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu     sync.RWMutex
	caller string
}

// Policy mirrors an agent's spending policy. Amounts are decimal wei strings.
type Policy struct {
	MaxSpendPerDay string   `json:"max_spend_per_day"`
	MaxTxPerHour   uint64   `json:"max_tx_per_hour"`
	MaxValuePerTx  string   `json:"max_value_per_tx"`
	Whitelist      []string `json:"whitelist,omitempty"`
}

// AgentRegistration is the payload for registering a new agent. Owner
// defaults to the caller when empty.
type AgentRegistration struct {
	AgentID string `json:"agent_id"`
	Owner   string `json:"owner,omitempty"`
	Signer  string `json:"signer"`
	Policy  Policy `json:"policy"`
}

// AgentPolicy is the policy as reported by the server.
type AgentPolicy struct {
	MaxSpendPerDay json.Number `json:"max_spend_per_day"`
	MaxTxPerHour   uint64      `json:"max_tx_per_hour"`
	MaxValuePerTx  json.Number `json:"max_value_per_tx"`
	Whitelist      []string    `json:"whitelist,omitempty"`
}

// Agent describes a registered agent.
type Agent struct {
	ID           string      `json:"id"`
	Owner        string      `json:"owner"`
	Signer       string      `json:"signer"`
	Policy       AgentPolicy `json:"policy"`
	MetadataRef  string      `json:"metadata_ref,omitempty"`
	Active       bool        `json:"active"`
	RegisteredAt int64       `json:"registered_at"`
}

// IntentRequest is a signed intent ready for emission. Value is a decimal
// wei string and Signature the 65-byte typed-data signature.
type IntentRequest struct {
	IntentID          string `json:"intent_id"`
	AgentID           string `json:"agent_id"`
	SourceDomain      uint64 `json:"source_domain"`
	DestinationDomain uint64 `json:"destination_domain"`
	ActionHash        string `json:"action_hash"`
	Nonce             uint64 `json:"nonce"`
	Expiry            int64  `json:"expiry"`
	Value             string `json:"value"`
	Recipient         string `json:"recipient"`
	Signature         []byte `json:"-"`
}

// Intent is the server's view of an emitted intent.
type Intent struct {
	IntentID          string      `json:"intent_id"`
	AgentID           string      `json:"agent_id"`
	SourceDomain      uint64      `json:"source_domain"`
	DestinationDomain uint64      `json:"destination_domain"`
	ActionHash        string      `json:"action_hash"`
	Nonce             uint64      `json:"nonce"`
	Expiry            int64       `json:"expiry"`
	Value             json.Number `json:"value"`
	Recipient         string      `json:"recipient"`
	Signer            string      `json:"signer"`
	Status            string      `json:"status"`
	Relayer           string      `json:"relayer"`
	CreatedAt         int64       `json:"created_at"`
	SubmittedAt       int64       `json:"submitted_at,omitempty"`
	ExecutedAt        int64       `json:"executed_at,omitempty"`
	DisputedBy        string      `json:"disputed_by"`
	DisputeReason     string      `json:"dispute_reason,omitempty"`
	FailureReason     string      `json:"failure_reason,omitempty"`
}

// Relayer describes a registered relayer.
type Relayer struct {
	Address     string      `json:"address"`
	Stake       json.Number `json:"stake"`
	Reputation  uint64      `json:"reputation"`
	Processed   uint64      `json:"processed"`
	Succeeded   uint64      `json:"succeeded"`
	Active      bool        `json:"active"`
	Score       uint64      `json:"score"`
	SuccessRate uint64      `json:"success_rate"`
}

// AuditEntry is one commitment in an agent's audit trail.
type AuditEntry struct {
	Index      uint64 `json:"index"`
	AgentID    string `json:"agent_id"`
	Commitment string `json:"commitment"`
	ContentRef string `json:"content_ref,omitempty"`
	EventType  string `json:"event_type,omitempty"`
	RecordedAt int64  `json:"recorded_at"`
}

// AuditTrail lists an agent's commitments in log order.
type AuditTrail struct {
	AgentID string       `json:"agent_id"`
	Count   int          `json:"count"`
	Total   uint64       `json:"total"`
	Entries []AuditEntry `json:"entries"`
}

// APIError represents a coded error returned by the server.
type APIError struct {
	StatusCode int               `json:"-"`
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("intentd api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("intentd api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the intentd API. When httpClient is
// nil, a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// Caller returns the address sent with mutating requests.
func (c *Client) Caller() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.caller
}

// SetCaller sets the address sent with mutating requests.
func (c *Client) SetCaller(address string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.caller = address
}

// RegisterAgent registers an agent owned by the caller.
func (c *Client) RegisterAgent(ctx context.Context, reg AgentRegistration) (Agent, error) {
	var agent Agent
	err := c.send(ctx, http.MethodPost, "/api/v1/agents", reg, &agent, true)
	return agent, err
}

// GetAgent fetches an agent record.
func (c *Client) GetAgent(ctx context.Context, agentID string) (Agent, error) {
	var agent Agent
	err := c.send(ctx, http.MethodGet, "/api/v1/agents/"+agentID, nil, &agent, false)
	return agent, err
}

// Nonce returns the next nonce the engine expects from the agent.
func (c *Client) Nonce(ctx context.Context, agentID string) (uint64, error) {
	var out struct {
		Nonce uint64 `json:"nonce"`
	}
	err := c.send(ctx, http.MethodGet, "/api/v1/agents/"+agentID+"/nonce", nil, &out, false)
	return out.Nonce, err
}

// Emit submits a signed intent.
func (c *Client) Emit(ctx context.Context, req IntentRequest) (Intent, error) {
	body := struct {
		IntentRequest
		Signature string `json:"signature"`
	}{IntentRequest: req, Signature: hexutil.Encode(req.Signature)}
	var in Intent
	err := c.send(ctx, http.MethodPost, "/api/v1/intents", body, &in, false)
	return in, err
}

// GetIntent fetches an intent by id.
func (c *Client) GetIntent(ctx context.Context, intentID string) (Intent, error) {
	var in Intent
	err := c.send(ctx, http.MethodGet, "/api/v1/intents/"+intentID, nil, &in, false)
	return in, err
}

// Submit claims a pending intent for the caller, who must be a registered relayer.
func (c *Client) Submit(ctx context.Context, intentID string) (Intent, error) {
	var in Intent
	err := c.send(ctx, http.MethodPost, "/api/v1/intents/"+intentID+"/submit", nil, &in, true)
	return in, err
}

// Execute finalises a submitted intent with its ABI-encoded payload.
func (c *Client) Execute(ctx context.Context, intentID string, payload []byte) (Intent, error) {
	body := map[string]string{"payload": hexutil.Encode(payload)}
	var in Intent
	err := c.send(ctx, http.MethodPost, "/api/v1/intents/"+intentID+"/execute", body, &in, false)
	return in, err
}

// Dispute flags a submitted or executed intent.
func (c *Client) Dispute(ctx context.Context, intentID, reason string) (Intent, error) {
	var in Intent
	err := c.send(ctx, http.MethodPost, "/api/v1/intents/"+intentID+"/dispute", map[string]string{"reason": reason}, &in, true)
	return in, err
}

// RegisterRelayer registers the caller as a relayer with the given stake in wei.
func (c *Client) RegisterRelayer(ctx context.Context, stake string) (Relayer, error) {
	var rel Relayer
	err := c.send(ctx, http.MethodPost, "/api/v1/relayers", map[string]string{"stake": stake}, &rel, true)
	return rel, err
}

// AuditTrail fetches the agent's audit commitments.
func (c *Client) AuditTrail(ctx context.Context, agentID string) (AuditTrail, error) {
	var trail AuditTrail
	err := c.send(ctx, http.MethodGet, "/api/v1/audit/"+agentID, nil, &trail, false)
	return trail, err
}

func (c *Client) send(ctx context.Context, method, endpoint string, payload any, out any, withCaller bool) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := c.newRequest(ctx, method, endpoint, body, withCaller)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader, withCaller bool) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if withCaller {
		caller := c.Caller()
		if caller == "" {
			return nil, errors.New("intentd: caller address is not set")
		}
		req.Header.Set(CallerHeader, caller)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
