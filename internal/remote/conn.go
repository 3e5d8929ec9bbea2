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

// Package remote is the SSH execution plane: pooled connections, command and
// script execution, file transfer, and the post-config playbook runner.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/bramvdbogaerde/go-scp"
	"golang.org/x/crypto/ssh"

	"github.com/glassdome/glassdome/internal/platform/contracts"
)

// Target addresses one reachable guest.
type Target struct {
	Address string
	Port    int
	User    string
	// PrivateKeyPEM takes precedence over Password when both are set
	PrivateKeyPEM string
	Password      string
}

func (t Target) addr() string {
	port := t.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(t.Address, fmt.Sprintf("%d", port))
}

// key identifies the shared pool bucket for this target.
func (t Target) key() string { return t.User + "@" + t.addr() }

// Result carries the outcome of one remote command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Connection is one live SSH client with an attached SCP channel.
type Connection struct {
	client    *ssh.Client
	scpClient scp.Client
	target    Target
	openedAt  time.Time
}

// Dial opens a connection to the target. Connection failures are Transient so
// the orchestrator retries while the guest finishes booting.
func Dial(ctx context.Context, target Target, connectTimeout time.Duration) (*Connection, error) {
	auth, err := authMethods(target)
	if err != nil {
		return nil, err
	}
	cfg := &ssh.ClientConfig{
		User:            target.User,
		Auth:            auth,
		Timeout:         connectTimeout,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // lab guests have freshly generated host keys
	}

	dialer := net.Dialer{Timeout: connectTimeout}
	tcpConn, err := dialer.DialContext(ctx, "tcp", target.addr())
	if err != nil {
		return nil, contracts.NewTransient(fmt.Sprintf("dialing %s", target.addr()), err)
	}
	conn, chans, reqs, err := ssh.NewClientConn(tcpConn, target.addr(), cfg)
	if err != nil {
		_ = tcpConn.Close()
		if strings.Contains(err.Error(), "unable to authenticate") {
			return nil, contracts.NewPermanent(fmt.Sprintf("authenticating to %s as %s", target.addr(), target.User), err)
		}
		return nil, contracts.NewTransient(fmt.Sprintf("ssh handshake with %s", target.addr()), err)
	}

	client := ssh.NewClient(conn, chans, reqs)
	return &Connection{
		client:    client,
		scpClient: scp.NewConfigurer("", nil).SSHClient(client).Create(),
		target:    target,
		openedAt:  time.Now(),
	}, nil
}

func authMethods(target Target) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if target.PrivateKeyPEM != "" {
		signer, err := ssh.ParsePrivateKey([]byte(target.PrivateKeyPEM))
		if err != nil {
			return nil, contracts.NewValidation("private_key", fmt.Sprintf("parsing private key for %s: %v", target.key(), err))
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if target.Password != "" {
		methods = append(methods, ssh.Password(target.Password))
	}
	if len(methods) == 0 {
		return nil, contracts.NewValidation("credentials", fmt.Sprintf("no ssh credentials for %s", target.key()))
	}
	return methods, nil
}

// Run executes one command. A non-zero exit code is reported in the Result,
// not as an error; transport failures are Transient.
func (c *Connection) Run(ctx context.Context, command string) (*Result, error) {
	return c.run(ctx, command, nil)
}

// RunScript pipes the script into a remote shell.
func (c *Connection) RunScript(ctx context.Context, script string) (*Result, error) {
	return c.run(ctx, "/bin/bash -s", strings.NewReader(script))
}

func (c *Connection) run(ctx context.Context, command string, stdin *strings.Reader) (*Result, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return nil, contracts.NewTransient(fmt.Sprintf("opening session to %s", c.target.key()), err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	if stdin != nil {
		session.Stdin = stdin
	}

	done := make(chan error, 1)
	if err := session.Start(command); err != nil {
		return nil, contracts.NewTransient(fmt.Sprintf("starting %q on %s", command, c.target.key()), err)
	}
	go func() { done <- session.Wait() }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return nil, contracts.NewTransient(fmt.Sprintf("command on %s cancelled", c.target.key()), ctx.Err())
	case err = <-done:
	}

	res := &Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitStatus()
			return res, nil
		}
		return nil, contracts.NewTransient(fmt.Sprintf("command on %s", c.target.key()), err)
	}
	return res, nil
}

// Copy writes data to remotePath with the given permissions, e.g. "0644".
func (c *Connection) Copy(ctx context.Context, remotePath, permissions string, data []byte) error {
	if err := c.scpClient.Copy(ctx, bytes.NewReader(data), remotePath, permissions, int64(len(data))); err != nil {
		return contracts.NewTransient(fmt.Sprintf("copying %s to %s", remotePath, c.target.key()), err)
	}
	return nil
}

// Fetch reads remotePath back.
func (c *Connection) Fetch(ctx context.Context, remotePath string) ([]byte, error) {
	var buf bytes.Buffer
	err := c.scpClient.CopyFromRemotePassThru(ctx, &buf, remotePath, nil)
	if err != nil {
		return nil, contracts.NewTransient(fmt.Sprintf("fetching %s from %s", remotePath, c.target.key()), err)
	}
	return buf.Bytes(), nil
}

// Close tears down the underlying client.
func (c *Connection) Close() error {
	return c.client.Close()
}

// Age reports how long the connection has been open.
func (c *Connection) Age() time.Duration { return time.Since(c.openedAt) }
