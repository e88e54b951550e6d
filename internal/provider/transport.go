package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"
)

// Transport issues the actual HTTP calls for a provider. Non-2xx
// statuses are classified into the error taxonomy here, exactly once;
// transient failures are retried with exponential backoff.
type Transport struct {
	providerName string
	client       *http.Client
	retry        RetryConfig
}

func NewTransport(providerName string, timeout time.Duration, retry RetryConfig) *Transport {
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &Transport{
		providerName: providerName,
		client:       &http.Client{Timeout: timeout},
		retry:        retry,
	}
}

// PostJSON performs a full request/response round trip and returns the
// response body. The whole call runs under the retry policy.
func (t *Transport) PostJSON(ctx context.Context, url string, header http.Header, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &Error{Code: ErrInvalidReq, Message: err.Error(), Provider: t.providerName}
	}

	return withRetry(ctx, t.retry, func() ([]byte, error) {
		resp, err := t.send(ctx, url, header, body)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, networkError(t.providerName, err)
		}
		return data, nil
	})
}

// PostStream performs the request-initiation phase of a streaming call
// and hands the open response to the caller, who owns the body. Only
// this phase is retried; failures after the stream has started are not.
func (t *Transport) PostStream(ctx context.Context, url string, header http.Header, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &Error{Code: ErrInvalidReq, Message: err.Error(), Provider: t.providerName}
	}

	return withRetry(ctx, t.retry, func() (*http.Response, error) {
		return t.send(ctx, url, header, body)
	})
}

// send is a single attempt. A fetch-level failure with no HTTP response
// maps to NETWORK_ERROR; a non-2xx status is drained and classified.
func (t *Transport) send(ctx context.Context, url string, header http.Header, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Code: ErrInvalidReq, Message: err.Error(), Provider: t.providerName}
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, networkError(t.providerName, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		errBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, classifyStatus(t.providerName, resp.StatusCode, errBody)
	}

	return resp, nil
}
