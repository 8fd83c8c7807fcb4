package mesh

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nmxmxh/orgmesh/internal/core"
	"github.com/sony/gobreaker"
)

// AuthorityClient receives liveness pings from mesh nodes.
type AuthorityClient interface {
	ReportHealth(ctx context.Context, nodeID string) error
}

// BreakerConfig mirrors the failure/reset knobs of the circuit breaker
type BreakerConfig struct {
	FailureThreshold uint32        `json:"failure_threshold"`
	ResetTimeout     time.Duration `json:"reset_timeout"`
	HalfOpenMax      uint32        `json:"half_open_max"`
}

// MasterClientConfig configures MasterClient
type MasterClientConfig struct {
	BaseURL        string        `json:"base_url"`
	RequestTimeout time.Duration `json:"request_timeout"`
	IsAuthor       bool          `json:"is_author"`
	CircuitBreaker BreakerConfig `json:"circuit_breaker"`
}

// DefaultMasterClientConfig returns production defaults
func DefaultMasterClientConfig(baseURL string) MasterClientConfig {
	return MasterClientConfig{
		BaseURL:        baseURL,
		RequestTimeout: 5 * time.Second,
		CircuitBreaker: BreakerConfig{
			FailureThreshold: 5,
			ResetTimeout:     30 * time.Second,
			HalfOpenMax:      1,
		},
	}
}

// MasterClient posts health reports to the master service. Calls go
// through a circuit breaker so a dead master costs one failed request per
// reset window instead of one per tick.
type MasterClient struct {
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	config  MasterClientConfig
	logger  *slog.Logger
}

type healthReport struct {
	NodeID    string `json:"node_id"`
	Timestamp int64  `json:"timestamp"`
	IsAuthor  bool   `json:"is_author"`
}

// NewMasterClient creates a client for the master at config.BaseURL.
func NewMasterClient(config MasterClientConfig, httpClient *http.Client, logger *slog.Logger) (*MasterClient, error) {
	base, err := url.Parse(config.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("master client: invalid base url %q", config.BaseURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: config.RequestTimeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "master-client", "master", config.BaseURL)

	threshold := config.CircuitBreaker.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}

	c := &MasterClient{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		http:    httpClient,
		config:  config,
		logger:  logger,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "master-health",
		MaxRequests: config.CircuitBreaker.HalfOpenMax,
		Timeout:     config.CircuitBreaker.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return c, nil
}

// ReportHealth posts {node_id, timestamp} to
// POST {base}/api/v1/nodes/{node_id}/health.
func (c *MasterClient) ReportHealth(ctx context.Context, nodeID string) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.post(ctx, nodeID)
	})
	if err != nil {
		return core.ErrHealthReport(nodeID, err).WithContext("breaker", c.breaker.State().String())
	}
	return nil
}

// BreakerState returns the current circuit state
func (c *MasterClient) BreakerState() gobreaker.State {
	return c.breaker.State()
}

func (c *MasterClient) post(ctx context.Context, nodeID string) error {
	body, err := json.Marshal(healthReport{
		NodeID:    nodeID,
		Timestamp: time.Now().Unix(),
		IsAuthor:  c.config.IsAuthor,
	})
	if err != nil {
		return err
	}

	endpoint := fmt.Sprintf("%s/api/v1/nodes/%s/health", c.baseURL, url.PathEscape(nodeID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("master responded %s", resp.Status)
	}
	c.logger.Debug("health reported", "node_id", nodeID)
	return nil
}
