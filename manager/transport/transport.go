// Package transport executes signed commands against the remote
// control-plane HTTP API and returns the raw response body verbatim.
// Retry policy belongs to callers; this layer performs exactly one attempt.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kestrelcloud/kestrel/manager/signing"
)

// Param is one mandatory named parameter of a command.
type Param struct {
	Name  string
	Value string
}

// Config holds the endpoint and credentials for one control plane.
type Config struct {
	// Endpoint is the API URL, e.g. "https://cloud.example.com/client/api".
	Endpoint  string
	APIKey    string
	SecretKey string
	// ResponseFormat is the format hint sent as the "response" parameter.
	// Defaults to "json".
	ResponseFormat string
	// Timeout bounds one HTTP round trip. Defaults to 30s.
	Timeout time.Duration
}

// Transport signs and executes commands. Safe for concurrent use.
type Transport struct {
	cfg    Config
	client *http.Client
}

func New(cfg Config) *Transport {
	if cfg.ResponseFormat == "" {
		cfg.ResponseFormat = "json"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Transport{
		cfg: cfg,
		// The default client follows redirects, which the control plane
		// uses behind load balancers.
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// Execute builds the full parameter set, signs it, and issues an HTTP GET.
// The raw body is returned verbatim; decoding is the caller's job. The
// control plane sometimes embeds an error code inside a 2xx body; callers
// must run the result through CheckPayloadError.
func (t *Transport) Execute(ctx context.Context, command string, mandatory []Param, optional map[string]string) (string, error) {
	if command == "" {
		return "", &TransportError{Command: command, Err: fmt.Errorf("empty command name")}
	}

	params := map[string]string{
		"command":  command,
		"apikey":   t.cfg.APIKey,
		"response": t.cfg.ResponseFormat,
	}
	for _, p := range mandatory {
		params[p.Name] = p.Value
	}
	for k, v := range optional {
		params[k] = v
	}

	signature, err := signing.Sign(params, []byte(t.cfg.SecretKey))
	if err != nil {
		return "", err
	}

	query := url.Values{}
	for k, v := range params {
		query.Set(k, v)
	}
	query.Set("signature", signature)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.cfg.Endpoint+"?"+query.Encode(), nil)
	if err != nil {
		return "", &TransportError{Command: command, Err: err}
	}
	return t.do(command, req)
}

// ExecuteLogin performs the initial authentication handshake: HTTP POST,
// no apikey, weak login signer. Used once to obtain session credentials
// before any keyed secret exists.
func (t *Transport) ExecuteLogin(ctx context.Context, username, password, domain string) (string, error) {
	params := map[string]string{
		"command":  "login",
		"username": username,
		"password": password,
		"response": t.cfg.ResponseFormat,
	}
	if domain != "" {
		params["domain"] = domain
	}

	signature, err := signing.SignLogin(params)
	if err != nil {
		return "", err
	}

	form := url.Values{}
	for k, v := range params {
		form.Set(k, v)
	}
	form.Set("signature", signature)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.Endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", &TransportError{Command: "login", Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return t.do("login", req)
}

func (t *Transport) do(command string, req *http.Request) (string, error) {
	resp, err := t.client.Do(req)
	if err != nil {
		return "", &TransportError{Command: command, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &TransportError{Command: command, StatusCode: resp.StatusCode, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &TransportError{
			Command:    command,
			StatusCode: resp.StatusCode,
			Body:       string(body),
			Err:        fmt.Errorf("unexpected status %s", resp.Status),
		}
	}
	return string(body), nil
}

// CheckPayloadError inspects a 2xx response body for an embedded error
// code. The control plane wraps every response in a single top-level
// "*response" object; a rejection carries "errorcode"/"errortext" inside
// it. Returns a RemoteRejectedError or nil.
func CheckPayloadError(command, body string) error {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal([]byte(body), &envelope); err != nil {
		return nil // non-JSON bodies are the caller's problem
	}
	for _, raw := range envelope {
		var inner struct {
			ErrorCode int    `json:"errorcode"`
			ErrorText string `json:"errortext"`
		}
		if err := json.Unmarshal(raw, &inner); err != nil {
			continue
		}
		if inner.ErrorCode != 0 {
			return &RemoteRejectedError{
				Command:   command,
				ErrorCode: inner.ErrorCode,
				ErrorText: inner.ErrorText,
			}
		}
	}
	return nil
}
