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
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"

	"github.com/google/uuid"

	"github.com/glassdome/glassdome/internal/platform/contracts"
)

// cloudbaseConf selects the ConfigDrive service and the plugin chain the lab
// images are sysprepped for.
const cloudbaseConf = `[DEFAULT]
username=Administrator
inject_user_password=true
first_logon_behaviour=no
metadata_services=cloudbaseinit.metadata.services.configdrive.ConfigDriveService
plugins=cloudbaseinit.plugins.common.users.CreateUserPlugin,
        cloudbaseinit.plugins.common.setuserpassword.SetUserPasswordPlugin,
        cloudbaseinit.plugins.common.networkconfig.NetworkConfigPlugin,
        cloudbaseinit.plugins.windows.licensing.WindowsLicensingPlugin,
        cloudbaseinit.plugins.common.sshpublickeys.SetUserSSHPublicKeysPlugin,
        cloudbaseinit.plugins.common.userdata.UserDataPlugin
`

// cloudbaseMetaData is the meta_data.json shape cloudbase-init's
// ConfigDriveService expects.
type cloudbaseMetaData struct {
	UUID       string   `json:"uuid"`
	Hostname   string   `json:"hostname"`
	AdminPass  string   `json:"admin_pass"`
	PublicKeys []string `json:"public_keys,omitempty"`
}

// buildCloudbase renders the Windows cloudbase-init ConfigDrive payload.
func buildCloudbase(spec *contracts.VMSpec, staticIP *contracts.StaticIPConfig) (contracts.Parameterization, error) {
	creds := spec.Credentials
	if creds.Password == "" {
		return contracts.Parameterization{}, contracts.NewValidation("credentials.password",
			fmt.Sprintf("vm %s requires an admin password for cloudbase-init", spec.Name))
	}

	meta := cloudbaseMetaData{
		UUID:      uuid.NewString(),
		Hostname:  spec.Name,
		AdminPass: creds.Password,
	}
	if creds.SSHPublicKey != "" {
		meta.PublicKeys = []string{creds.SSHPublicKey}
	}
	metaJSON, err := json.Marshal(&meta)
	if err != nil {
		return contracts.Parameterization{}, contracts.NewPermanent("rendering cloudbase meta_data.json", err)
	}

	var script strings.Builder
	script.WriteString("#ps1_sysnative\n")
	script.WriteString("Set-ItemProperty -Path 'HKLM:\\System\\CurrentControlSet\\Control\\Terminal Server' -Name 'fDenyTSConnections' -Value 0\n")
	script.WriteString("Enable-NetFirewallRule -DisplayGroup 'Remote Desktop'\n")
	if staticIP != nil {
		addr, prefix := splitCIDR(staticIP.AddressCIDR)
		fmt.Fprintf(&script,
			"New-NetIPAddress -InterfaceAlias 'Ethernet' -IPAddress %s -PrefixLength %s -DefaultGateway %s\n",
			addr, prefix, staticIP.Gateway)
		if len(staticIP.Nameservers) > 0 {
			fmt.Fprintf(&script,
				"Set-DnsClientServerAddress -InterfaceAlias 'Ethernet' -ServerAddresses %s\n",
				strings.Join(staticIP.Nameservers, ","))
		}
	}

	return contracts.Parameterization{
		Kind: contracts.ParamCloudbaseInit,
		Cloudbase: &contracts.CloudbaseParams{
			MetaDataJSON:  string(metaJSON),
			UserData:      script.String(),
			AdminPassword: creds.Password,
			StaticIP:      staticIP,
		},
	}, nil
}

func splitCIDR(cidr string) (addr, prefix string) {
	if i := strings.IndexByte(cidr, '/'); i >= 0 {
		return cidr[:i], cidr[i+1:]
	}
	return cidr, "24"
}

// autounattendTmpl is the answer file for bare-ISO Windows installs. Only the
// specialize and oobe passes the lab images rely on are rendered.
var autounattendTmpl = template.Must(template.New("autounattend").Parse(`<?xml version="1.0" encoding="utf-8"?>
<unattend xmlns="urn:schemas-microsoft-com:unattend">
  <settings pass="specialize">
    <component name="Microsoft-Windows-Shell-Setup" processorArchitecture="amd64" publicKeyToken="31bf3856ad364e35" language="neutral" versionScope="nonSxS">
      <ComputerName>{{.ComputerName}}</ComputerName>
    </component>
{{- if .StaticIP}}
    <component name="Microsoft-Windows-TCPIP" processorArchitecture="amd64" publicKeyToken="31bf3856ad364e35" language="neutral" versionScope="nonSxS">
      <Interfaces>
        <Interface wcm:action="add" xmlns:wcm="http://schemas.microsoft.com/WMIConfig/2002/State">
          <Identifier>Ethernet</Identifier>
          <Ipv4Settings>
            <DhcpEnabled>false</DhcpEnabled>
          </Ipv4Settings>
          <UnicastIpAddresses>
            <IpAddress wcm:action="add" wcm:keyValue="1">{{.AddressCIDR}}</IpAddress>
          </UnicastIpAddresses>
          <Routes>
            <Route wcm:action="add">
              <Identifier>0</Identifier>
              <Prefix>0.0.0.0/0</Prefix>
              <NextHopAddress>{{.Gateway}}</NextHopAddress>
            </Route>
          </Routes>
        </Interface>
      </Interfaces>
    </component>
{{- end}}
  </settings>
  <settings pass="oobeSystem">
    <component name="Microsoft-Windows-Shell-Setup" processorArchitecture="amd64" publicKeyToken="31bf3856ad364e35" language="neutral" versionScope="nonSxS">
      <UserAccounts>
        <AdministratorPassword>
          <Value>{{.AdminPassword}}</Value>
          <PlainText>true</PlainText>
        </AdministratorPassword>
      </UserAccounts>
      <OOBE>
        <HideEULAPage>true</HideEULAPage>
        <HideLocalAccountScreen>true</HideLocalAccountScreen>
        <ProtectYourPC>3</ProtectYourPC>
      </OOBE>
    </component>
  </settings>
</unattend>
`))

type autounattendData struct {
	ComputerName  string
	AdminPassword string
	StaticIP      bool
	AddressCIDR   string
	Gateway       string
}

// buildAutounattend renders the answer file for a bare-ISO Windows install.
func buildAutounattend(spec *contracts.VMSpec, staticIP *contracts.StaticIPConfig) (contracts.Parameterization, error) {
	creds := spec.Credentials
	if creds.Password == "" {
		return contracts.Parameterization{}, contracts.NewValidation("credentials.password",
			fmt.Sprintf("vm %s requires an administrator password for an unattended install", spec.Name))
	}

	data := autounattendData{
		ComputerName:  spec.Name,
		AdminPassword: creds.Password,
	}
	if staticIP != nil {
		data.StaticIP = true
		data.AddressCIDR = staticIP.AddressCIDR
		data.Gateway = staticIP.Gateway
	}

	var buf bytes.Buffer
	if err := autounattendTmpl.Execute(&buf, data); err != nil {
		return contracts.Parameterization{}, contracts.NewPermanent("rendering autounattend.xml", err)
	}
	return contracts.Parameterization{
		Kind:         contracts.ParamAutounattend,
		Autounattend: &contracts.AutounattendParams{XML: buf.String()},
	}, nil
}
