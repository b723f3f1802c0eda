package carbon

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// indexScaleMax converts the WattTime relative index (0-100) to an
// approximate intensity, assuming ~800 gCO2eq/kWh at index 100.
const indexScaleMax = 800.0

// WattTimeClient is the authority-keyed provider: a relative index in
// [0, 100] rescaled linearly to [0, 800] gCO2eq/kWh.
type WattTimeClient struct {
	username   string
	password   string
	baseURL    string
	httpClient *http.Client

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// NewWattTimeClient creates a client for the WattTime API.
func NewWattTimeClient(username, password, baseURL string) *WattTimeClient {
	if baseURL == "" {
		baseURL = "https://api2.watttime.org/v2"
	}
	return &WattTimeClient{
		username: username,
		password: password,
		baseURL:  baseURL,
		httpClient: &http.Client{
			Timeout: providerCallTimeout,
		},
	}
}

// authenticate refreshes the bearer token when missing or expired.
func (w *WattTimeClient) authenticate(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.token != "" && time.Now().Before(w.tokenExpiry) {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.baseURL+"/login", nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProviderUnreachable, err)
	}
	req.SetBasicAuth(w.username, w.password)

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProviderUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return fmt.Errorf("%w: login status %d", ErrProviderAuthFailed, resp.StatusCode)
		}
		return fmt.Errorf("%w: login status %d", ErrProviderUnreachable, resp.StatusCode)
	}

	var authResp struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&authResp); err != nil {
		return fmt.Errorf("%w: %v", ErrProviderMalformed, err)
	}

	w.token = authResp.Token
	w.tokenExpiry = time.Now().Add(30 * time.Minute)
	return nil
}

type wattTimePoint struct {
	BA      string  `json:"ba"`
	Percent float64 `json:"percent"`
	Point   string  `json:"point_time"`
}

// GetCarbonIntensity returns the current rescaled intensity for a balancing authority.
func (w *WattTimeClient) GetCarbonIntensity(ctx context.Context, region string, timestamp time.Time) (*Sample, error) {
	ctx, cancel := context.WithTimeout(ctx, providerCallTimeout)
	defer cancel()

	if err := w.authenticate(ctx); err != nil {
		return nil, err
	}

	var point wattTimePoint
	if err := w.getJSON(ctx, fmt.Sprintf("%s/index?ba=%s", w.baseURL, region), &point); err != nil {
		return nil, err
	}

	parsed, err := time.Parse(time.RFC3339, point.Point)
	if err != nil {
		parsed = timestamp
	}

	return &Sample{
		Region:     point.BA,
		Timestamp:  parsed,
		Intensity:  (point.Percent / 100.0) * indexScaleMax,
		Unit:       Unit,
		Provenance: ProvenanceWattTime,
	}, nil
}

// GetCarbonForecast returns rescaled forecast samples within [startTime, endTime].
func (w *WattTimeClient) GetCarbonForecast(ctx context.Context, region string, startTime, endTime time.Time) ([]Sample, error) {
	ctx, cancel := context.WithTimeout(ctx, providerCallTimeout)
	defer cancel()

	if err := w.authenticate(ctx); err != nil {
		return nil, err
	}

	var points []wattTimePoint
	if err := w.getJSON(ctx, fmt.Sprintf("%s/forecast?ba=%s", w.baseURL, region), &points); err != nil {
		return nil, err
	}

	var result []Sample
	for _, point := range points {
		parsed, err := time.Parse(time.RFC3339, point.Point)
		if err != nil {
			continue
		}
		if parsed.Before(startTime) || parsed.After(endTime) {
			continue
		}
		result = append(result, Sample{
			Region:     point.BA,
			Timestamp:  parsed,
			Intensity:  (point.Percent / 100.0) * indexScaleMax,
			Unit:       Unit,
			Provenance: ProvenanceWattTime,
		})
	}

	return result, nil
}

func (w *WattTimeClient) getJSON(ctx context.Context, url string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProviderUnreachable, err)
	}

	w.mu.Lock()
	token := w.token
	w.mu.Unlock()
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := w.httpClient.Do(req)
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
