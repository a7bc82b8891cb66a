package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Transport signs and executes venue REST calls. The gateway is its only
// consumer; credentials never travel further into the engine.
type Transport interface {
	Do(ctx context.Context, method, path string, params url.Values, signed bool) ([]byte, error)
}

type restTransport struct {
	baseURL string
	creds   Credentials
	client  *http.Client
}

// NewRESTTransport builds an HMAC-SHA256 query-signing transport for
// Binance-style venues.
func NewRESTTransport(baseURL string, creds Credentials) Transport {
	return &restTransport{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		creds:   creds,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

type venueError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (t *restTransport) Do(ctx context.Context, method, path string, params url.Values, signed bool) ([]byte, error) {
	if params == nil {
		params = url.Values{}
	}
	if signed {
		params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	}
	query := params.Encode()
	if signed {
		// the signature covers the exact payload and is appended last
		mac := hmac.New(sha256.New, []byte(t.creds.APISecret))
		mac.Write([]byte(query))
		query += "&signature=" + hex.EncodeToString(mac.Sum(nil))
	}

	endpoint := t.baseURL + path
	var body io.Reader
	if method == http.MethodGet || method == http.MethodDelete {
		endpoint += "?" + query
	} else {
		body = strings.NewReader(query)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if signed {
		req.Header.Set("X-MBX-APIKEY", t.creds.APIKey)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	return payload, classifyStatus(resp.StatusCode, payload)
}

// classifyStatus maps an HTTP response onto the gateway error taxonomy.
func classifyStatus(status int, payload []byte) error {
	switch {
	case status < 300:
		return nil
	case status == http.StatusTooManyRequests || status == 418:
		return ErrRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrAuth
	case status >= 500:
		return &TransportError{Err: fmt.Errorf("venue returned %d", status)}
	}

	var ve venueError
	if err := json.Unmarshal(payload, &ve); err == nil {
		switch ve.Code {
		case -2010: // NEW_ORDER_REJECTED: insufficient balance
			return ErrInsufficientFunds
		case -2011: // CANCEL_REJECTED: unknown order
			return ErrUnknownOrder
		}
		if ve.Msg != "" {
			return fmt.Errorf("%w: %s", ErrRejected, ve.Msg)
		}
	}
	return fmt.Errorf("%w: status %d", ErrRejected, status)
}
