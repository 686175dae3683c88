package conscience

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/AymericDu/oio-sds/internal/pkg/logger"
)

// Service is one entry of the conscience directory.
type Service struct {
	Addr  string         `json:"addr"`
	Score int            `json:"score"`
	Tags  map[string]any `json:"tags,omitempty"`
}

// Client reads platform membership from the conscience service.
type Client interface {
	// AllServices lists every registered service of the given type,
	// whatever its score.
	AllServices(ctx context.Context, serviceType string) ([]Service, error)
}

type client struct {
	log        *logger.Logger
	endpoint   string
	httpClient *http.Client
}

func NewClient(endpoint string, log *logger.Logger) (Client, error) {
	endpoint = strings.TrimRight(strings.TrimSpace(endpoint), "/")
	if endpoint == "" {
		return nil, fmt.Errorf("missing conscience endpoint")
	}
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &client{
		log:        log.With("service", "ConscienceClient"),
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (c *client) AllServices(ctx context.Context, serviceType string) ([]Service, error) {
	if serviceType == "" {
		return nil, fmt.Errorf("missing service type")
	}
	u := c.endpoint + "/v1.0/conscience/list?type=" + url.QueryEscape(serviceType)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("conscience list %s: %w", serviceType, err)
	}
	raw, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return nil, readErr
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("conscience list %s: http %d: %s",
			serviceType, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var services []Service
	if err := json.Unmarshal(raw, &services); err != nil {
		return nil, fmt.Errorf("conscience decode: %w", err)
	}
	return services, nil
}
