// Package tenant derives tenant identities from client network addresses and
// manages the per-tenant registry. The identity is a salted one-way hash:
// identical addresses always map to the same tenant, but the mapping cannot
// be inverted or guessed without the process-wide salt.
package tenant

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/netip"

	"github.com/scanvault/scanvault/internal/model"
)

// Hasher turns network addresses into TenantIDs.
type Hasher struct {
	salt []byte
}

// NewHasher creates a Hasher with the deployment-wide salt.
func NewHasher(salt []byte) *Hasher {
	return &Hasher{salt: salt}
}

// TenantIDFor hashes the address. IPv6 addresses are normalized to their
// compressed form first so textual variants of one address collapse to one
// tenant. Unparseable input still hashes deterministically, under a marker
// prefix so it can never collide with a real address.
func (h *Hasher) TenantIDFor(address string) model.TenantID {
	host := address
	if hostOnly, _, err := net.SplitHostPort(address); err == nil {
		host = hostOnly
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		host = addr.String()
	} else {
		host = "invalid:" + host
	}
	mac := hmac.New(sha256.New, h.salt)
	mac.Write([]byte(host))
	return model.TenantID(hex.EncodeToString(mac.Sum(nil)))
}
