// Package calibration implements the optional REST side-channel to each
// scan head's calibration documents (defect map, power/temperature sensors,
// UUIDs, enclustra info) and a local sqlite-backed cache so a host
// application is not forced to re-fetch over HTTPS on every reconnect
// (§2.2, §6). Wire shapes are preserved bit-for-bit as opaque JSON; this
// package never interprets the document contents.
package calibration

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Source fetches the opaque calibration document for a head serial over the
// factory-calibration HTTPS side-channel. Implementations must not
// interpret the returned JSON; callers treat it as opaque, per-serial
// metadata.
type Source interface {
	Fetch(ctx context.Context, serial uint32) (json.RawMessage, error)
}

// HTTPSource fetches calibration documents from a head's own HTTPS
// endpoint, following the teacher's pattern of a thin client wrapping
// http.Client with a caller-supplied base URL builder rather than a
// generated REST client.
type HTTPSource struct {
	Client *http.Client

	// URL builds the absolute request URL for a head's calibration
	// endpoint from its serial. Left to the caller because the address
	// scheme (DNS name, discovered IP, static fleet map) is a host
	// application concern, not this package's.
	URL func(serial uint32) string
}

// NewHTTPSource constructs an HTTPSource with a default 5s-timeout client.
func NewHTTPSource(urlFn func(serial uint32) string) *HTTPSource {
	return &HTTPSource{
		Client: &http.Client{Timeout: 5 * time.Second},
		URL:    urlFn,
	}
}

// Fetch issues an HTTPS GET against the head's calibration endpoint and
// returns its body as an opaque JSON document.
func (s *HTTPSource) Fetch(ctx context.Context, serial uint32) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL(serial), nil)
	if err != nil {
		return nil, fmt.Errorf("calibration: building request for serial %d: %w", serial, err)
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calibration: fetching serial %d: %w", serial, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("calibration: serial %d returned HTTP %d", serial, resp.StatusCode)
	}

	var doc json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("calibration: decoding response for serial %d: %w", serial, err)
	}
	return doc, nil
}
