package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/kestrelcloud/kestrel/manager/client"
	"github.com/kestrelcloud/kestrel/manager/registry"
	"github.com/kestrelcloud/kestrel/manager/statemachine"
	"github.com/kestrelcloud/kestrel/manager/store"
	"github.com/kestrelcloud/kestrel/manager/transport"
)

// API is the operator surface: read access to jobs and resources, a small
// command surface for instances, and the live transition feed.
type API struct {
	store    store.Store
	registry *registry.Registry
	issuer   *client.Issuer
	commands *client.Client
	feed     *FeedHub
	upgrader websocket.Upgrader
}

func NewAPI(s store.Store, reg *registry.Registry, issuer *client.Issuer, commands *client.Client, feed *FeedHub) *API {
	return &API{
		store:    s,
		registry: reg,
		issuer:   issuer,
		commands: commands,
		feed:     feed,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (a *API) handleJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// /jobs lists recent records; /jobs/<jobid> looks one up.
	if rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/jobs"), "/"); rest != "" {
		rec, found, err := a.registry.Lookup(r.Context(), rest)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if !found {
			http.Error(w, "Job not found", http.StatusNotFound)
			return
		}
		writeJSON(w, rec)
		return
	}

	jobs, err := a.store.ListJobs(r.Context(), 100)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, jobs)
}

func (a *API) handleGetResource(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// /resources/<type>/<id>
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/resources"), "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		http.Error(w, "Expected /resources/<type>/<id>", http.StatusBadRequest)
		return
	}

	res, err := a.store.GetResource(r.Context(), store.ResourceType(parts[0]), parts[1])
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if res == nil {
		http.Error(w, "Resource not found", http.StatusNotFound)
		return
	}
	writeJSON(w, res)
}

type deployRequest struct {
	ResourceID        string            `json:"resource_id"`
	ZoneID            string            `json:"zoneid"`
	TemplateID        string            `json:"templateid"`
	ServiceOfferingID string            `json:"serviceofferingid"`
	Optional          map[string]string `json:"optional"`
}

// handleInstances routes POST /instances (deploy) and
// POST /instances/<id>/{start,stop,destroy}.
func (a *API) handleInstances(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/instances"), "/")
	if rest == "" {
		a.deployInstance(w, r)
		return
	}

	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" {
		http.Error(w, "Expected /instances/<id>/<action>", http.StatusBadRequest)
		return
	}
	id, action := parts[0], parts[1]

	res, err := a.store.GetResource(r.Context(), store.ResourceInstance, id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if res == nil || res.RemoteID == "" {
		http.Error(w, "Instance not found or not yet provisioned", http.StatusNotFound)
		return
	}

	instances := a.commands.Instances()
	var pending statemachine.State
	var fn func(ctx context.Context) (*client.AsyncResult, error)
	switch action {
	case "start":
		pending = statemachine.InstanceStarting
		fn = func(ctx context.Context) (*client.AsyncResult, error) {
			return instances.Start(ctx, res.RemoteID, nil)
		}
	case "stop":
		pending = statemachine.InstanceStopping
		fn = func(ctx context.Context) (*client.AsyncResult, error) {
			return instances.Stop(ctx, res.RemoteID, nil)
		}
	case "destroy":
		pending = statemachine.InstanceDestroying
		fn = func(ctx context.Context) (*client.AsyncResult, error) {
			return instances.Destroy(ctx, res.RemoteID, nil)
		}
	default:
		http.Error(w, "Unknown action: "+action, http.StatusBadRequest)
		return
	}

	result, err := a.issuer.Submit(r.Context(), store.ResourceInstance, id, pending, fn)
	a.writeSubmitResult(w, result, err)
}

func (a *API) deployInstance(w http.ResponseWriter, r *http.Request) {
	var req deployRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.ResourceID == "" || req.ZoneID == "" || req.TemplateID == "" || req.ServiceOfferingID == "" {
		http.Error(w, "resource_id, zoneid, templateid, serviceofferingid are required", http.StatusBadRequest)
		return
	}

	instances := a.commands.Instances()
	result, err := a.issuer.Submit(r.Context(), store.ResourceInstance, req.ResourceID, statemachine.InstanceCreating,
		func(ctx context.Context) (*client.AsyncResult, error) {
			return instances.Deploy(ctx, req.ZoneID, req.TemplateID, req.ServiceOfferingID, req.Optional)
		})
	a.writeSubmitResult(w, result, err)
}

func (a *API) writeSubmitResult(w http.ResponseWriter, result *client.AsyncResult, err error) {
	if err != nil {
		if errors.Is(err, registry.ErrConflict) {
			http.Error(w, "Operation already in progress for this resource", http.StatusConflict)
			return
		}
		var rejected *transport.RemoteRejectedError
		if errors.As(err, &rejected) {
			http.Error(w, rejected.Error(), http.StatusBadGateway)
			return
		}
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, map[string]string{"job_id": result.JobID})
}

func (a *API) handleFeed(w http.ResponseWriter, r *http.Request) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[API] feed upgrade failed: %v", err)
		return
	}
	a.feed.Register(conn)

	// Read pump detects client disconnect. Inbound frames are discarded.
	go func() {
		defer a.feed.Unregister(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[API] encode failed: %v", err)
	}
}
