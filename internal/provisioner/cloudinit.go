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

package provisioner

import (
	"fmt"

	"gopkg.in/yaml.v2"

	"github.com/glassdome/glassdome/internal/platform/contracts"
)

// cloudConfig is the subset of cloud-init user-data the labs need.
type cloudConfig struct {
	Hostname       string            `yaml:"hostname"`
	Users          []cloudConfigUser `yaml:"users"`
	SSHPwAuth      bool              `yaml:"ssh_pwauth"`
	PackageUpdate  bool              `yaml:"package_update,omitempty"`
	Packages       []string          `yaml:"packages,omitempty"`
	RunCmd         []string          `yaml:"runcmd,omitempty"`
	Chpasswd       *chpasswd         `yaml:"chpasswd,omitempty"`
	ManageEtcHosts bool              `yaml:"manage_etc_hosts"`
}

type cloudConfigUser struct {
	Name              string   `yaml:"name"`
	Sudo              string   `yaml:"sudo"`
	Shell             string   `yaml:"shell"`
	SSHAuthorizedKeys []string `yaml:"ssh_authorized_keys,omitempty"`
	LockPasswd        bool     `yaml:"lock_passwd"`
}

type chpasswd struct {
	Expire bool     `yaml:"expire"`
	List   []string `yaml:"list"`
}

// buildCloudInit renders the Linux cloud-init parameterization. Base images
// disable password auth, so a missing SSH public key is rejected up front.
func buildCloudInit(spec *contracts.VMSpec, staticIP *contracts.StaticIPConfig) (contracts.Parameterization, error) {
	creds := spec.Credentials
	if creds.SSHPublicKey == "" {
		return contracts.Parameterization{}, contracts.NewValidation("credentials.ssh_public_key",
			fmt.Sprintf("vm %s clones a cloud-init template but carries no SSH public key; password auth is disabled in base images", spec.Name))
	}
	user := creds.Username
	if user == "" {
		user = "glassdome"
	}

	cc := cloudConfig{
		Hostname: spec.Name,
		Users: []cloudConfigUser{{
			Name:              user,
			Sudo:              "ALL=(ALL) NOPASSWD:ALL",
			Shell:             "/bin/bash",
			SSHAuthorizedKeys: []string{creds.SSHPublicKey},
			LockPasswd:        creds.Password == "",
		}},
		SSHPwAuth:      creds.Password != "",
		ManageEtcHosts: true,
	}
	if creds.Password != "" {
		cc.Chpasswd = &chpasswd{
			Expire: false,
			List:   []string{user + ":" + creds.Password},
		}
	}

	body, err := yaml.Marshal(&cc)
	if err != nil {
		return contracts.Parameterization{}, contracts.NewPermanent("rendering cloud-init user-data", err)
	}

	return contracts.Parameterization{
		Kind: contracts.ParamCloudInit,
		CloudInit: &contracts.CloudInitParams{
			UserData:     "#cloud-config\n" + string(body),
			User:         user,
			Password:     creds.Password,
			SSHPublicKey: creds.SSHPublicKey,
			StaticIP:     staticIP,
		},
	}, nil
}
