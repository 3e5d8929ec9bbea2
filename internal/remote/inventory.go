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

package remote

import (
	"fmt"
	"sort"
	"strings"
)

// Host is one inventory entry with its connection metadata.
type Host struct {
	Name    string
	Address string
	User    string
	// PrivateKeyFile points at the key material on the executor host
	PrivateKeyFile string
	Password       string
}

// Inventory groups deployed hosts by tagged purpose for the config executor.
type Inventory struct {
	groups map[string][]Host
}

// NewInventory creates an empty inventory.
func NewInventory() *Inventory {
	return &Inventory{groups: make(map[string][]Host)}
}

// Add places a host into the named group. The "all" group is implicit.
func (inv *Inventory) Add(group string, host Host) {
	if group == "" {
		group = "ungrouped"
	}
	inv.groups[group] = append(inv.groups[group], host)
}

// Groups returns the group names in sorted order.
func (inv *Inventory) Groups() []string {
	names := make([]string, 0, len(inv.groups))
	for name := range inv.groups {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Hosts returns the hosts of one group.
func (inv *Inventory) Hosts(group string) []Host {
	return inv.groups[group]
}

// Empty reports whether no host was added.
func (inv *Inventory) Empty() bool { return len(inv.groups) == 0 }

// RenderINI produces the INI inventory the external executor consumes.
// Output is deterministic: groups and hosts are sorted by name.
func (inv *Inventory) RenderINI() string {
	var sb strings.Builder
	for _, group := range inv.Groups() {
		fmt.Fprintf(&sb, "[%s]\n", group)
		hosts := append([]Host(nil), inv.groups[group]...)
		sort.Slice(hosts, func(i, j int) bool { return hosts[i].Name < hosts[j].Name })
		for _, h := range hosts {
			fmt.Fprintf(&sb, "%s ansible_host=%s", h.Name, h.Address)
			if h.User != "" {
				fmt.Fprintf(&sb, " ansible_user=%s", h.User)
			}
			if h.PrivateKeyFile != "" {
				fmt.Fprintf(&sb, " ansible_ssh_private_key_file=%s", h.PrivateKeyFile)
			}
			if h.Password != "" {
				fmt.Fprintf(&sb, " ansible_password=%s", h.Password)
			}
			sb.WriteByte('\n')
		}
		sb.WriteByte('\n')
	}
	sb.WriteString("[all:vars]\n")
	sb.WriteString("ansible_ssh_common_args=-o StrictHostKeyChecking=no -o UserKnownHostsFile=/dev/null\n")
	return sb.String()
}
