package main

import (
	"context"
	"fmt"

	"tankobon/internal/config"
	"tankobon/internal/ipc"
)

// commandContext carries the lazily resolved config and daemon connection
// shared by all subcommands.
type commandContext struct {
	socketFlag *string
	configFlag *string

	cfg    *config.Config
	client *ipc.Client
}

func newCommandContext(socketFlag, configFlag *string) *commandContext {
	return &commandContext{socketFlag: socketFlag, configFlag: configFlag}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	if c.cfg != nil {
		return c.cfg, nil
	}
	cfg, _, _, err := config.Load(*c.configFlag)
	if err != nil {
		return nil, err
	}
	c.cfg = cfg
	return cfg, nil
}

func (c *commandContext) socketPath() (string, error) {
	if *c.socketFlag != "" {
		return *c.socketFlag, nil
	}
	cfg, err := c.ensureConfig()
	if err != nil {
		return "", err
	}
	return cfg.SocketPath(), nil
}

// dial connects to the daemon and waits for its ready handshake.
func (c *commandContext) dial(ctx context.Context, opts ...ipc.ClientOption) (*ipc.Client, error) {
	if c.client != nil {
		return c.client, nil
	}
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	socket, err := c.socketPath()
	if err != nil {
		return nil, err
	}
	client, err := ipc.Dial(socket, cfg.IPC, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to tankobond at %s (is the daemon running?): %w", socket, err)
	}
	if err := client.WaitReady(ctx); err != nil {
		client.Close()
		return nil, err
	}
	c.client = client
	return client, nil
}

func (c *commandContext) close() {
	if c.client != nil {
		c.client.Close()
		c.client = nil
	}
}
