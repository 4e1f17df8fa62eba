package revtun

import "context"

// Client is the top-level client-side aggregate: it owns a single
// ManagerClient and blocks on it. RelayClients are spawned and forgotten as
// NewReplier requests arrive — they are not tracked here, matching the
// source's fire-and-forget asyncio.create_task per replier.
type Client struct {
	cfg *ClientConfig
	mgr *ManagerClient
}

// NewClient creates a Client from cfg.
func NewClient(cfg *ClientConfig) *Client {
	return &Client{cfg: cfg, mgr: NewManagerClient(cfg)}
}

// Run blocks until ctx is cancelled or the server kicks this manager
// connection out for good (ErrManagerKickedOut); every other disconnect is
// redialed.
func (c *Client) Run(ctx context.Context) error {
	return c.mgr.Run(ctx)
}
