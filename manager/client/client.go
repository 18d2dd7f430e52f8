// Package client holds the per-resource-family command facades. Each
// facade is a mechanical parameter assembler funneling into the transport;
// async commands additionally extract the job id the caller must attach to
// its registry reservation.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"golang.org/x/time/rate"

	"github.com/kestrelcloud/kestrel/manager/observability"
	"github.com/kestrelcloud/kestrel/manager/signing"
	"github.com/kestrelcloud/kestrel/manager/transport"
)

// Client is the shared base under every facade: one transport plus a rate
// limiter so a burst of command submissions cannot hammer the control
// plane.
type Client struct {
	transport *transport.Transport
	limiter   *rate.Limiter
}

func New(t *transport.Transport, commandsPerSecond float64, burst int) *Client {
	return &Client{
		transport: t,
		limiter:   rate.NewLimiter(rate.Limit(commandsPerSecond), burst),
	}
}

// Instances, Volumes, Networks, Snapshots, LoadBalancers return the
// per-family facades.
func (c *Client) Instances() *InstanceClient         { return &InstanceClient{c} }
func (c *Client) Volumes() *VolumeClient             { return &VolumeClient{c} }
func (c *Client) Networks() *NetworkClient           { return &NetworkClient{c} }
func (c *Client) Snapshots() *SnapshotClient         { return &SnapshotClient{c} }
func (c *Client) LoadBalancers() *LoadBalancerClient { return &LoadBalancerClient{c} }

// execute runs one command through the limiter and transport, classifies
// the outcome for metrics, and surfaces embedded payload errors.
func (c *Client) execute(ctx context.Context, command string, mandatory []transport.Param, optional map[string]string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}

	start := time.Now()
	body, err := c.transport.Execute(ctx, command, mandatory, optional)
	observability.CommandLatency.Observe(time.Since(start).Seconds())

	if err != nil {
		var tErr *transport.TransportError
		switch {
		case errors.As(err, &tErr):
			observability.CommandsIssued.WithLabelValues(command, "transport_error").Inc()
		case errors.Is(err, signing.ErrMissingSecret), errors.Is(err, signing.ErrEmptyCommand):
			observability.CommandsIssued.WithLabelValues(command, "signing_error").Inc()
		default:
			observability.CommandsIssued.WithLabelValues(command, "transport_error").Inc()
		}
		return "", err
	}

	if err := transport.CheckPayloadError(command, body); err != nil {
		observability.CommandsIssued.WithLabelValues(command, "rejected").Inc()
		return "", err
	}

	observability.CommandsIssued.WithLabelValues(command, "ok").Inc()
	return body, nil
}

// AsyncResult is the outcome of an asynchronous command: the raw body plus
// the extracted job id.
type AsyncResult struct {
	Body  string
	JobID string
}

// executeAsync runs an async command and extracts "jobid" from the
// response envelope.
func (c *Client) executeAsync(ctx context.Context, command string, mandatory []transport.Param, optional map[string]string) (*AsyncResult, error) {
	body, err := c.execute(ctx, command, mandatory, optional)
	if err != nil {
		return nil, err
	}
	jobID, ok := ExtractJobID(body)
	if !ok {
		return nil, &transport.RemoteRejectedError{
			Command:   command,
			ErrorText: "async response carried no job id",
		}
	}
	return &AsyncResult{Body: body, JobID: jobID}, nil
}

// ExtractJobID pulls "jobid" out of a response envelope of the form
// {"<command>response": {"jobid": "...", ...}}.
func ExtractJobID(body string) (string, bool) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal([]byte(body), &envelope); err != nil {
		return "", false
	}
	for _, raw := range envelope {
		var inner struct {
			JobID string `json:"jobid"`
		}
		if err := json.Unmarshal(raw, &inner); err != nil {
			continue
		}
		if inner.JobID != "" {
			return inner.JobID, true
		}
	}
	return "", false
}
