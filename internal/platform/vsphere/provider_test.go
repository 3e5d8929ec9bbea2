/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package vsphere

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmware/govmomi"
	"github.com/vmware/govmomi/find"
	"github.com/vmware/govmomi/simulator"
	"go.uber.org/zap/zaptest"

	"github.com/glassdome/glassdome/internal/platform/contracts"
)

// testProvider starts a vcsim VPX inventory and returns a provider bound to it.
func testProvider(t *testing.T) (*Provider, *govmomi.Client) {
	t.Helper()

	model := simulator.VPX()
	require.NoError(t, model.Create())
	t.Cleanup(model.Remove)

	srv := model.Service.NewServer()
	t.Cleanup(srv.Close)

	password, _ := srv.URL.User.Password()
	cfg := &Config{
		Endpoint:           srv.URL.Scheme + "://" + srv.URL.Host + srv.URL.Path,
		Username:           srv.URL.User.Username(),
		Password:           password,
		Datacenter:         "DC0",
		Datastore:          "LocalDS_0",
		ResourcePool:       "DC0_C0/Resources",
		InsecureSkipVerify: true,
	}
	p := New("esxi:vc-test", cfg, zaptest.NewLogger(t))

	client, err := govmomi.NewClient(context.Background(), srv.URL, true)
	require.NoError(t, err)

	return p, client
}

// markTemplate converts a simulator VM into a clonable template and returns
// its inventory name.
func markTemplate(t *testing.T, client *govmomi.Client, name string) string {
	t.Helper()
	ctx := context.Background()

	finder := find.NewFinder(client.Client, true)
	dc, err := finder.Datacenter(ctx, "DC0")
	require.NoError(t, err)
	finder.SetDatacenter(dc)

	vm, err := finder.VirtualMachine(ctx, name)
	require.NoError(t, err)
	require.NoError(t, vm.MarkAsTemplate(ctx))
	return name
}

func linuxSpec(name string) contracts.VMSpec {
	return contracts.VMSpec{
		Name:      name,
		OSFamily:  contracts.OSUbuntu,
		OSVersion: "22.04",
		Cores:     2,
		MemoryMiB: 2048,
		Networks: []contracts.NetworkAttachment{
			{NetworkName: "DC0_DVPG0"},
		},
		IPPolicy: contracts.IPPolicyStatic,
		Credentials: contracts.CredentialBundle{
			Username:     "student",
			SSHPublicKey: "ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAAITest student@lab",
		},
	}
}

func ciParams() contracts.Parameterization {
	return contracts.Parameterization{
		Kind: contracts.ParamCloudInit,
		CloudInit: &contracts.CloudInitParams{
			User:         "student",
			SSHPublicKey: "ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAAITest student@lab",
			StaticIP: &contracts.StaticIPConfig{
				AddressCIDR: "10.101.0.30/24",
				Gateway:     "10.101.0.1",
			},
		},
	}
}

func TestValidate(t *testing.T) {
	p, _ := testProvider(t)
	require.NoError(t, p.Validate(context.Background()))
}

func TestCloneFromTemplateAndLifecycle(t *testing.T) {
	p, client := testProvider(t)
	ctx := context.Background()
	tmpl := markTemplate(t, client, "DC0_C0_RP0_VM0")

	rec, err := p.CloneFromTemplate(ctx, tmpl, linuxSpec("web01"), ciParams())
	require.NoError(t, err)
	assert.Equal(t, contracts.VMStatusCreating, rec.Status)
	assert.NotEmpty(t, rec.VMID)

	require.NoError(t, p.StartVM(ctx, rec.VMID))
	status, err := p.GetVMStatus(ctx, rec.VMID)
	require.NoError(t, err)
	assert.Equal(t, contracts.VMStatusRunning, status)

	// Starting a running VM is a no-op success.
	require.NoError(t, p.StartVM(ctx, rec.VMID))

	require.NoError(t, p.StopVM(ctx, rec.VMID))
	status, err = p.GetVMStatus(ctx, rec.VMID)
	require.NoError(t, err)
	assert.Equal(t, contracts.VMStatusStopped, status)

	require.NoError(t, p.DeleteVM(ctx, rec.VMID))
	status, err = p.GetVMStatus(ctx, rec.VMID)
	require.NoError(t, err)
	assert.Equal(t, contracts.VMStatusDeleted, status)
}

func TestListVMsAndTemplates(t *testing.T) {
	p, client := testProvider(t)
	ctx := context.Background()
	markTemplate(t, client, "DC0_C0_RP0_VM1")

	vms, err := p.ListVMs(ctx, contracts.VMFilter{})
	require.NoError(t, err)
	for _, vm := range vms {
		assert.NotEqual(t, "DC0_C0_RP0_VM1", vm.Spec.Name, "templates must not appear in ListVMs")
	}

	templates, err := p.ListTemplates(ctx)
	require.NoError(t, err)
	require.Len(t, templates, 1)
	assert.Equal(t, "DC0_C0_RP0_VM1", templates[0].Name)
}

func TestListNetworks(t *testing.T) {
	p, _ := testProvider(t)

	networks, err := p.ListNetworks(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, networks)
	for _, n := range networks {
		assert.Equal(t, contracts.NetworkBridged, n.Mode)
	}
}

func TestCreateNetworkUnsupported(t *testing.T) {
	p, _ := testProvider(t)

	_, err := p.CreateNetwork(context.Background(), contracts.NetworkSpec{Name: "lan"})
	require.Error(t, err)
	assert.Equal(t, contracts.ErrorKindPermanent, contracts.KindOf(err))

	// Delete remains a no-op so teardown paths stay idempotent.
	require.NoError(t, p.DeleteNetwork(context.Background(), "lan"))
}

func TestCloneMissingTemplate(t *testing.T) {
	p, _ := testProvider(t)

	_, err := p.CloneFromTemplate(context.Background(), "no-such-template", linuxSpec("web01"), ciParams())
	require.Error(t, err)
	assert.True(t, contracts.IsResourceMissing(err))
}
