package carbon

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// providerCallTimeout is the hard cap on a single provider HTTP call.
const providerCallTimeout = 10 * time.Second

// ElectricityMapsClient is the zone-keyed provider: a current datum plus a
// forecast datum list per zone.
type ElectricityMapsClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewElectricityMapsClient creates a client for the ElectricityMaps API.
func NewElectricityMapsClient(apiKey, baseURL string) *ElectricityMapsClient {
	if baseURL == "" {
		baseURL = "https://api.electricitymap.org/v3"
	}
	return &ElectricityMapsClient{
		apiKey:  apiKey,
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: providerCallTimeout,
		},
	}
}

type electricityMapsLatest struct {
	Zone            string  `json:"zone"`
	CarbonIntensity float64 `json:"carbonIntensity"`
	Datetime        string  `json:"datetime"`
}

type electricityMapsForecast struct {
	Zone     string `json:"zone"`
	Forecast []struct {
		CarbonIntensity float64 `json:"carbonIntensity"`
		Datetime        string  `json:"datetime"`
	} `json:"forecast"`
}

// GetCarbonIntensity returns the current intensity for a zone.
func (c *ElectricityMapsClient) GetCarbonIntensity(ctx context.Context, region string, timestamp time.Time) (*Sample, error) {
	url := fmt.Sprintf("%s/carbon-intensity/latest?zone=%s", c.baseURL, region)

	var resp electricityMapsLatest
	if err := c.getJSON(ctx, url, &resp); err != nil {
		return nil, err
	}

	parsed, err := time.Parse(time.RFC3339, resp.Datetime)
	if err != nil {
		parsed = timestamp
	}

	return &Sample{
		Region:     resp.Zone,
		Timestamp:  parsed,
		Intensity:  resp.CarbonIntensity,
		Unit:       Unit,
		Provenance: ProvenanceElectricityMaps,
	}, nil
}

// GetCarbonForecast returns forecast samples for a zone within [startTime, endTime].
func (c *ElectricityMapsClient) GetCarbonForecast(ctx context.Context, region string, startTime, endTime time.Time) ([]Sample, error) {
	url := fmt.Sprintf("%s/carbon-intensity/forecast?zone=%s", c.baseURL, region)

	var resp electricityMapsForecast
	if err := c.getJSON(ctx, url, &resp); err != nil {
		return nil, err
	}

	var result []Sample
	for _, point := range resp.Forecast {
		parsed, err := time.Parse(time.RFC3339, point.Datetime)
		if err != nil {
			continue
		}
		if parsed.Before(startTime) || parsed.After(endTime) {
			continue
		}
		result = append(result, Sample{
			Region:     resp.Zone,
			Timestamp:  parsed,
			Intensity:  point.CarbonIntensity,
			Unit:       Unit,
			Provenance: ProvenanceElectricityMaps,
		})
	}

	return result, nil
}

func (c *ElectricityMapsClient) getJSON(ctx context.Context, url string, v any) error {
	ctx, cancel := context.WithTimeout(ctx, providerCallTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProviderUnreachable, err)
	}
	req.Header.Set("auth-token", c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProviderUnreachable, err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode); err != nil {
		return err
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrProviderMalformed, err)
	}
	return nil
}

// classifyStatus maps a provider HTTP status to the transient error taxonomy.
func classifyStatus(code int) error {
	switch {
	case code == http.StatusOK:
		return nil
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("%w: status %d", ErrProviderAuthFailed, code)
	case code == http.StatusTooManyRequests:
		return fmt.Errorf("%w: status %d", ErrProviderRateLimited, code)
	default:
		return fmt.Errorf("%w: status %d", ErrProviderUnreachable, code)
	}
}
