package meshcore

import (
	"context"
	"fmt"

	"github.com/rtchat/meshcore/internal/keystore"
	"github.com/rtchat/meshcore/internal/signaling"
	"github.com/rtchat/meshcore/internal/util"
)

// Load connects to the signaling bus, subscribes the room topic, and
// starts the presence announcement burst. It is idempotent: calling it
// again on an already-loaded Client is a no-op.
func (c *Client) Load(ctx context.Context) error {
	c.mu.Lock()
	if c.loaded {
		c.mu.Unlock()
		return nil
	}
	c.loaded = true
	runCtx, cancel := context.WithCancel(ctx)
	c.ctx = runCtx
	c.cancel = cancel
	c.mu.Unlock()

	if err := c.bus.Connect(runCtx); err != nil {
		return fmt.Errorf("meshcore: connect: %w", err)
	}
	if err := c.bus.Subscribe(c.topic); err != nil {
		return fmt.Errorf("meshcore: subscribe %s: %w", c.topic, err)
	}
	c.MQTTConnected.Emit(anyKey, struct{}{})

	signaling.RunAnnouncementBurst(runCtx, c.bus, c.topic, c.announceUserInfo(), c.hasHealthyPeer)
	if c.tabs != nil {
		// tab keep-alive runs on its own clock, started at tabregistry.New
		_ = c.tabs.ID()
	}
	return nil
}

// Disconnect tears down the signaling connection and every active peer
// connection, and stops the background announcement burst.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	cancel := c.cancel
	c.loaded = false
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	for peer := range c.presence.AllConnsSnapshot() {
		c.presence.HandleUnload(peer)
	}
	if c.tabs != nil {
		if err := c.tabs.Close(); err != nil {
			return fmt.Errorf("meshcore: close tab registry: %w", err)
		}
	}
	return c.bus.Disconnect()
}

// ChangeName renames the local peer, publishing a nameChange envelope so
// every connected peer rebinds its presence and connection tables. The
// tab-id suffix, if any, is reapplied to the new base name.
func (c *Client) ChangeName(newName string) error {
	baseName, err := util.ValidateDisplayName(newName)
	if err != nil {
		return fmt.Errorf("meshcore: invalid display name: %w", err)
	}

	c.mu.Lock()
	oldName := c.name
	c.baseName = baseName
	newFullName := baseName
	if c.tabs != nil {
		newFullName = fmt.Sprintf("%s(%d)", baseName, c.tabs.ID())
	}
	c.name = newFullName
	c.mu.Unlock()

	if err := c.bus.Publish(c.topic, "nameChange", nameChangePayload{OldName: oldName, NewName: newFullName}); err != nil {
		return fmt.Errorf("meshcore: publish name change: %w", err)
	}
	c.NameChange.Emit(anyKey, NameChangeEvent{OldName: oldName, NewName: newFullName})
	return nil
}

// Reset clears the stored local identity and the entire known-hosts
// table. The running Client keeps the identity it already holds in
// memory; a fresh identity is generated and stored the next time a Client
// is constructed over this store.
func (c *Client) Reset() error {
	if err := keystore.ResetIdentity(c.store); err != nil {
		return fmt.Errorf("meshcore: reset identity: %w", err)
	}
	if err := c.hosts.Clear(); err != nil {
		return fmt.Errorf("meshcore: clear known hosts: %w", err)
	}
	return nil
}
