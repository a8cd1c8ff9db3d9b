// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package networking

import (
	"fmt"
	"net"
	"net/netip"
)

// AddressReferencesPrivateIp returns an error if address (host:port as
// passed to a dialer) resolves to a loopback, private, link-local, or
// unspecified IP.
func AddressReferencesPrivateIp(address string) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		host = address
	}

	addr, err := netip.ParseAddr(host)
	if err != nil {
		return fmt.Errorf("address %s is not an IP address", address)
	}
	addr = addr.Unmap()

	if addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() || addr.IsUnspecified() {
		return fmt.Errorf("the address %s references a private IP", address)
	}
	return nil
}
