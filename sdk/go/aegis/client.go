// Package aegis is a Go client for the Aegis evaluation API. Responses can be
// re-checked locally with VerifyResponse, so callers do not have to trust the
// service for the digests and proofs it returns.
package aegis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"

	"Aegis-Evaluator/pkg/proofs"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the Aegis REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// EvaluationRequest is the payload of POST /evaluate.
type EvaluationRequest struct {
	QuestID     uint64 `json:"quest_id"`
	AgentID     uint64 `json:"agent_id"`
	AgentOutput string `json:"agent_output"`
}

// Evaluation is the service's answer to one evaluation request.
type Evaluation struct {
	EvaluationID  string      `json:"evaluation_id"`
	QuestID       uint64      `json:"quest_id"`
	AgentID       uint64      `json:"agent_id"`
	Confidence    int         `json:"confidence"`
	Success       bool        `json:"success"`
	FeaturesHash  string      `json:"features_hash"`
	LeafHash      string      `json:"leaf_hash"`
	MerkleRoot    string      `json:"merkle_root"`
	MerkleProof   []string    `json:"merkle_proof"`
	MerklePath    proofs.Path `json:"merkle_path"`
	LeafIndex     uint64      `json:"leaf_index"`
	TreeSize      uint64      `json:"tree_size"`
	HashAlgorithm string      `json:"hash_algorithm"`
	OddPolicy     string      `json:"odd_policy"`
	Encoding      string      `json:"encoding"`
	CreatedAt     int64       `json:"created_at"`
}

// TreeState describes the service's accumulating tree.
type TreeState struct {
	Mode          string `json:"mode"`
	Size          uint64 `json:"tree_size"`
	MerkleRoot    string `json:"merkle_root,omitempty"`
	HashAlgorithm string `json:"hash_algorithm"`
	OddPolicy     string `json:"odd_policy"`
	Encoding      string `json:"encoding"`
}

// Proof is a fresh proof of an earlier leaf against the current root.
type Proof struct {
	LeafIndex     uint64      `json:"leaf_index"`
	TreeSize      uint64      `json:"tree_size"`
	LeafHash      string      `json:"leaf_hash"`
	MerkleRoot    string      `json:"merkle_root"`
	MerkleProof   []string    `json:"merkle_proof"`
	MerklePath    proofs.Path `json:"merkle_path"`
	HashAlgorithm string      `json:"hash_algorithm"`
	OddPolicy     string      `json:"odd_policy"`
}

// Record is a stored evaluation as returned by GET /api/v1/evaluations.
type Record struct {
	ID            string `json:"id"`
	LeafIndex     uint64 `json:"leaf_index"`
	QuestID       uint64 `json:"quest_id"`
	AgentID       uint64 `json:"agent_id"`
	Confidence    int    `json:"confidence"`
	Success       bool   `json:"success"`
	FeaturesHash  string `json:"features_hash"`
	LeafHash      string `json:"leaf_hash"`
	MerkleRoot    string `json:"merkle_root"`
	TreeSize      uint64 `json:"tree_size"`
	HashAlgorithm string `json:"hash_algorithm"`
	AnchorStatus  string `json:"anchor_status"`
	AnchorTxID    string `json:"anchor_txid,omitempty"`
	AnchorDetail  string `json:"anchor_detail,omitempty"`
	CreatedAt     int64  `json:"created_at"`
	UpdatedAt     int64  `json:"updated_at"`
}

// VerifyRequest asks the service to check a proof with its own settings.
type VerifyRequest struct {
	LeafHash     string      `json:"leaf_hash,omitempty"`
	FeaturesHash string      `json:"features_hash,omitempty"`
	MerkleRoot   string      `json:"merkle_root"`
	MerklePath   proofs.Path `json:"merkle_path,omitempty"`
	MerkleProof  []string    `json:"merkle_proof,omitempty"`
	LeafIndex    *uint64     `json:"leaf_index,omitempty"`
	TreeSize     *uint64     `json:"tree_size,omitempty"`
}

// VerifyResult is the service's verdict on a submitted proof.
type VerifyResult struct {
	Valid    bool   `json:"valid"`
	LeafHash string `json:"leaf_hash"`
}

// APIError represents a {"code","message"} error returned by the service.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("aegis api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("aegis api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the Aegis API. When httpClient is nil, a
// default client with DefaultHTTPTimeout is used.
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

// Evaluate submits an agent output for scoring and commitment.
func (c *Client) Evaluate(ctx context.Context, req EvaluationRequest) (Evaluation, error) {
	var out Evaluation
	if err := c.post(ctx, "/evaluate", req, &out); err != nil {
		return Evaluation{}, err
	}
	return out, nil
}

// Recent lists the newest stored evaluations first. A limit of 0 lets the
// service pick its default page size.
func (c *Client) Recent(ctx context.Context, limit int) ([]Record, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/evaluations", nil)
	if err != nil {
		return nil, err
	}
	if limit > 0 {
		req.URL.RawQuery = url.Values{"limit": {strconv.Itoa(limit)}}.Encode()
	}
	var out struct {
		Evaluations []Record `json:"evaluations"`
	}
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return out.Evaluations, nil
}

// Tree returns the current tree size and root.
func (c *Client) Tree(ctx context.Context) (TreeState, error) {
	var out TreeState
	if err := c.get(ctx, "/api/v1/tree", &out); err != nil {
		return TreeState{}, err
	}
	return out, nil
}

// Proof fetches a proof for the leaf at index against the current root.
func (c *Client) Proof(ctx context.Context, index uint64) (Proof, error) {
	var out Proof
	if err := c.get(ctx, "/api/v1/proofs/"+strconv.FormatUint(index, 10), &out); err != nil {
		return Proof{}, err
	}
	return out, nil
}

// Verify asks the service to check a proof.
func (c *Client) Verify(ctx context.Context, req VerifyRequest) (VerifyResult, error) {
	var out VerifyResult
	if err := c.post(ctx, "/api/v1/verify", req, &out); err != nil {
		return VerifyResult{}, err
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
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
