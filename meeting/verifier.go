package meeting

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/IchuRisco/mitopia-backend/metrics"
	"github.com/labstack/gommon/log"
)

// Verifier asks the meeting-management service whether a meeting can be joined.
type Verifier interface {
	Verify(ctx context.Context, meetingID string) bool
}

type httpVerifier struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPVerifier returns a Verifier calling GET {baseURL}/meetings/{id}.
// Any error, timeout or non-2xx response means the meeting is not joinable.
func NewHTTPVerifier(baseURL, token string, timeout time.Duration) Verifier {
	return &httpVerifier{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

func (v *httpVerifier) Verify(ctx context.Context, meetingID string) bool {
	ok := v.verify(ctx, meetingID)
	metrics.RecordVerification(ok)
	return ok
}

func (v *httpVerifier) verify(ctx context.Context, meetingID string) bool {
	if strings.TrimSpace(meetingID) == "" {
		return false
	}

	endpoint := v.baseURL + "/meetings/" + url.PathEscape(meetingID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		log.Warnf("meeting %s: building verification request: %v", meetingID, err)
		return false
	}
	req.Header.Set("Accept", "application/json")
	if v.token != "" {
		req.Header.Set("Authorization", "Bearer "+v.token)
	}

	res, err := v.client.Do(req)
	if err != nil {
		log.Warnf("meeting %s: verification failed: %v", meetingID, err)
		return false
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 64<<10))

	if res.StatusCode < 200 || res.StatusCode > 299 {
		log.Infof("meeting %s: not joinable (status %d)", meetingID, res.StatusCode)
		return false
	}
	return true
}
