package client

import (
	"context"

	"github.com/kestrelcloud/kestrel/manager/transport"
)

// The facades below are the representative set of per-family command
// builders. Every method takes its mandatory parameters positionally, an
// optional parameter map, and returns the raw body plus, for async
// commands, the extracted job id.

type InstanceClient struct {
	c *Client
}

func (i *InstanceClient) Deploy(ctx context.Context, zoneID, templateID, serviceOfferingID string, optional map[string]string) (*AsyncResult, error) {
	return i.c.executeAsync(ctx, "deployVirtualMachine", []transport.Param{
		{Name: "zoneid", Value: zoneID},
		{Name: "templateid", Value: templateID},
		{Name: "serviceofferingid", Value: serviceOfferingID},
	}, optional)
}

func (i *InstanceClient) Start(ctx context.Context, id string, optional map[string]string) (*AsyncResult, error) {
	return i.c.executeAsync(ctx, "startVirtualMachine", []transport.Param{{Name: "id", Value: id}}, optional)
}

func (i *InstanceClient) Stop(ctx context.Context, id string, optional map[string]string) (*AsyncResult, error) {
	return i.c.executeAsync(ctx, "stopVirtualMachine", []transport.Param{{Name: "id", Value: id}}, optional)
}

func (i *InstanceClient) Destroy(ctx context.Context, id string, optional map[string]string) (*AsyncResult, error) {
	return i.c.executeAsync(ctx, "destroyVirtualMachine", []transport.Param{{Name: "id", Value: id}}, optional)
}

func (i *InstanceClient) List(ctx context.Context, optional map[string]string) (string, error) {
	return i.c.execute(ctx, "listVirtualMachines", nil, optional)
}

type VolumeClient struct {
	c *Client
}

func (v *VolumeClient) Create(ctx context.Context, name, zoneID string, optional map[string]string) (*AsyncResult, error) {
	return v.c.executeAsync(ctx, "createVolume", []transport.Param{
		{Name: "name", Value: name},
		{Name: "zoneid", Value: zoneID},
	}, optional)
}

func (v *VolumeClient) Attach(ctx context.Context, id, virtualMachineID string, optional map[string]string) (*AsyncResult, error) {
	return v.c.executeAsync(ctx, "attachVolume", []transport.Param{
		{Name: "id", Value: id},
		{Name: "virtualmachineid", Value: virtualMachineID},
	}, optional)
}

func (v *VolumeClient) Delete(ctx context.Context, id string, optional map[string]string) (*AsyncResult, error) {
	return v.c.executeAsync(ctx, "deleteVolume", []transport.Param{{Name: "id", Value: id}}, optional)
}

type NetworkClient struct {
	c *Client
}

func (n *NetworkClient) Create(ctx context.Context, name, zoneID, networkOfferingID string, optional map[string]string) (*AsyncResult, error) {
	return n.c.executeAsync(ctx, "createNetwork", []transport.Param{
		{Name: "name", Value: name},
		{Name: "zoneid", Value: zoneID},
		{Name: "networkofferingid", Value: networkOfferingID},
	}, optional)
}

func (n *NetworkClient) Delete(ctx context.Context, id string, optional map[string]string) (*AsyncResult, error) {
	return n.c.executeAsync(ctx, "deleteNetwork", []transport.Param{{Name: "id", Value: id}}, optional)
}

type SnapshotClient struct {
	c *Client
}

func (s *SnapshotClient) Create(ctx context.Context, volumeID string, optional map[string]string) (*AsyncResult, error) {
	return s.c.executeAsync(ctx, "createSnapshot", []transport.Param{{Name: "volumeid", Value: volumeID}}, optional)
}

func (s *SnapshotClient) Delete(ctx context.Context, id string, optional map[string]string) (*AsyncResult, error) {
	return s.c.executeAsync(ctx, "deleteSnapshot", []transport.Param{{Name: "id", Value: id}}, optional)
}

type LoadBalancerClient struct {
	c *Client
}

func (l *LoadBalancerClient) CreateRule(ctx context.Context, name, publicPort, privatePort, algorithm string, optional map[string]string) (*AsyncResult, error) {
	return l.c.executeAsync(ctx, "createLoadBalancerRule", []transport.Param{
		{Name: "name", Value: name},
		{Name: "publicport", Value: publicPort},
		{Name: "privateport", Value: privatePort},
		{Name: "algorithm", Value: algorithm},
	}, optional)
}

func (l *LoadBalancerClient) DeleteRule(ctx context.Context, id string, optional map[string]string) (*AsyncResult, error) {
	return l.c.executeAsync(ctx, "deleteLoadBalancerRule", []transport.Param{{Name: "id", Value: id}}, optional)
}

func (l *LoadBalancerClient) AssignInstances(ctx context.Context, ruleID string, instanceIDs string, optional map[string]string) (*AsyncResult, error) {
	return l.c.executeAsync(ctx, "assignToLoadBalancerRule", []transport.Param{
		{Name: "id", Value: ruleID},
		{Name: "virtualmachineids", Value: instanceIDs},
	}, optional)
}
