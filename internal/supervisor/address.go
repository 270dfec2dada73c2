package supervisor

import (
	"fmt"
	"net"
	"strconv"
	"sync/atomic"
)

// Address is the listening address reported by the companion.
type Address struct {
	IP   string `json:"ip"`
	Port int    `json:"port"`
}

// validate checks a decoded side-channel report.
func (a Address) validate() error {
	if a.IP == "" {
		return fmt.Errorf("missing ip")
	}
	if net.ParseIP(a.IP) == nil {
		return fmt.Errorf("invalid ip %q", a.IP)
	}
	if a.Port <= 0 || a.Port > 65535 {
		return fmt.Errorf("invalid port %d", a.Port)
	}
	return nil
}

// dialHost returns the host used to reach the companion. Wildcard listen
// addresses are reached through the loopback address of the same family.
func (a Address) dialHost() string {
	ip := net.ParseIP(a.IP)
	if ip == nil || !ip.IsUnspecified() {
		return a.IP
	}
	if ip.To4() != nil {
		return "127.0.0.1"
	}
	return "::1"
}

// String returns host:port with IPv6 literals bracketed.
func (a Address) String() string {
	return net.JoinHostPort(a.IP, strconv.Itoa(a.Port))
}

// URI returns the base URI requests are forwarded to.
func (a Address) URI() string {
	return "http://" + net.JoinHostPort(a.dialHost(), strconv.Itoa(a.Port))
}

// AddressCell holds the companion's current address. It is written only by
// the supervisor and read concurrently by request handlers.
type AddressCell struct {
	p atomic.Pointer[Address]
}

// Load returns the current address, if any.
func (c *AddressCell) Load() (Address, bool) {
	a := c.p.Load()
	if a == nil {
		return Address{}, false
	}
	return *a, true
}

// URI returns the current base URI, or "" while no companion is reachable.
func (c *AddressCell) URI() string {
	a := c.p.Load()
	if a == nil {
		return ""
	}
	return a.URI()
}

// Store publishes a new address.
func (c *AddressCell) Store(a Address) {
	c.p.Store(&a)
}

// Clear empties the cell.
func (c *AddressCell) Clear() {
	c.p.Store(nil)
}
