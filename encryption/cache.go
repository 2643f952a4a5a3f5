package encryption

import (
	"encoding/hex"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/patrickmn/go-cache"
)

// KeyCache memoizes conversation keys per (self, peer) pair
type KeyCache struct {
	cache *cache.Cache
}

// NewKeyCache creates a cache whose entries expire after ttl of inactivity
func NewKeyCache(ttl time.Duration) *KeyCache {
	return &KeyCache{cache: cache.New(ttl, 2*ttl)}
}

// ConversationKey returns the cached key for the pair or derives and stores it
func (c *KeyCache) ConversationKey(priv *btcec.PrivateKey, peer *btcec.PublicKey) [32]byte {
	id := cacheKey(PublicKeyHex(priv), hex.EncodeToString(schnorr.SerializePubKey(peer)))
	if v, ok := c.cache.Get(id); ok {
		return v.([32]byte)
	}
	key := ConversationKey(priv, peer)
	c.cache.SetDefault(id, key)
	return key
}

// Forget drops every key derived for self
func (c *KeyCache) Forget(self string) {
	prefix := self + "/"
	for id := range c.cache.Items() {
		if strings.HasPrefix(id, prefix) {
			c.cache.Delete(id)
		}
	}
}

// Len returns the number of cached keys
func (c *KeyCache) Len() int {
	return c.cache.ItemCount()
}

func cacheKey(self, peer string) string {
	return self + "/" + peer
}
