package bufmgr

// Client is the per-owner adapter of spec.md §4.1 (component C1): it binds
// one Owner to one Manager (global or a specific device) so the CSM can
// hold a distinct Client per device it is currently talking to, looked up
// by device-manager identity in its dev_buf_mgr_clients map.
type Client struct {
	owner   Owner
	manager *Manager
}

// NewClient returns an adapter binding owner to manager.
func NewClient(owner Owner, manager *Manager) *Client {
	return &Client{owner: owner, manager: manager}
}

// Manager returns the underlying manager this client is bound to, used to
// key dev_buf_mgr_clients and to compare "is this the manager currently
// blocking cur_op" without leaking Client identity comparisons.
func (c *Client) Manager() *Manager { return c.manager }

// Get reserves bytes against the bound manager.
func (c *Client) Get(bytes int64) bool { return c.manager.Get(c.owner, bytes) }

// GetForDiskIO reserves bytes with disk-submission semantics.
func (c *Client) GetForDiskIO(bytes int64) bool { return c.manager.GetForDiskIO(c.owner, bytes) }

// Put returns bytes of credit.
func (c *Client) Put(bytes int64) { c.manager.Put(c.owner, bytes) }

// IsOverQuota reports whether granting bytes more would exceed quota.
func (c *Client) IsOverQuota(bytes int64) bool { return c.manager.IsOverQuota(c.owner, bytes) }

// CancelRequest withdraws this owner's pending grant request, if any.
func (c *Client) CancelRequest() { c.manager.CancelRequest(c.owner) }

// GetWaitingAvgUsecs forwards to the bound manager.
func (c *Client) GetWaitingAvgUsecs() int64 { return c.manager.GetWaitingAvgUsecs() }

// ByteCount returns the bytes this owner currently holds on the bound
// manager.
func (c *Client) ByteCount() int64 { return c.manager.ByteCount(c.owner) }
