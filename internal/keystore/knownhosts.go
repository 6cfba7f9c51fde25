package keystore

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/rtchat/meshcore/internal/storage"
	"github.com/rtchat/meshcore/internal/util"
)

const keyKnownHosts = "identity.knownHosts"

// KnownHosts is a JSON map of barename to public-key JWK string,
// persisted in Storage under a single key. Names are always recorded as
// barenames: the tab suffix and anything after a pipe are stripped before
// the table is consulted.
type KnownHosts struct {
	mu    sync.Mutex
	store storage.Store
}

// NewKnownHosts wraps store with the known-hosts table operations.
func NewKnownHosts(store storage.Store) *KnownHosts {
	return &KnownHosts{store: store}
}

func (k *KnownHosts) load() map[string]string {
	raw, ok := k.store.Get(keyKnownHosts)
	hosts := map[string]string{}
	if !ok || raw == "" {
		return hosts
	}
	if err := json.Unmarshal([]byte(raw), &hosts); err != nil {
		return map[string]string{}
	}
	return hosts
}

func (k *KnownHosts) save(hosts map[string]string) error {
	b, err := json.Marshal(hosts)
	if err != nil {
		return fmt.Errorf("keystore: marshal known hosts: %w", err)
	}
	return k.store.Set(keyKnownHosts, string(b))
}

// SavePublicKey binds peerName (barenamed) to key. Binding a key that is
// already bound to a different name fails; rebinding a name to the key it
// already holds is idempotent.
func (k *KnownHosts) SavePublicKey(peerName, key string) error {
	name := util.Barename(peerName)
	k.mu.Lock()
	defer k.mu.Unlock()

	hosts := k.load()
	for existingName, existingKey := range hosts {
		if existingKey == key && existingName != name {
			return fmt.Errorf("keystore: key already bound to %q, cannot bind to %q", existingName, name)
		}
	}
	hosts[name] = key
	return k.save(hosts)
}

// GetPublicKey returns the key bound to peerName, if any.
func (k *KnownHosts) GetPublicKey(peerName string) (string, bool) {
	name := util.Barename(peerName)
	k.mu.Lock()
	defer k.mu.Unlock()
	key, ok := k.load()[name]
	return key, ok
}

// RemovePublicKey unbinds peerName.
func (k *KnownHosts) RemovePublicKey(peerName string) error {
	name := util.Barename(peerName)
	k.mu.Lock()
	defer k.mu.Unlock()
	hosts := k.load()
	if _, ok := hosts[name]; !ok {
		return nil
	}
	delete(hosts, name)
	return k.save(hosts)
}

// Register parses an identity string ("name|key") and binds it via
// SavePublicKey.
func (k *KnownHosts) Register(identity string) error {
	i := strings.IndexByte(identity, '|')
	if i < 0 {
		return fmt.Errorf("keystore: malformed identity string %q", identity)
	}
	name, key := identity[:i], identity[i+1:]
	return k.SavePublicKey(name, key)
}

// GetPeerNames returns every barename currently bound to publicKey.
func (k *KnownHosts) GetPeerNames(publicKey string) []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	var names []string
	for name, key := range k.load() {
		if key == publicKey {
			names = append(names, name)
		}
	}
	return names
}

// Clear drops the entire known-hosts table.
func (k *KnownHosts) Clear() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.store.Remove(keyKnownHosts)
}

// Snapshot returns a copy of the entire known-hosts table.
func (k *KnownHosts) Snapshot() map[string]string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.load()
}
