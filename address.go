package juus

import (
	"strings"
)

// NodeAddr is a public key with the network addresses it was last seen at.
// A NodeAddr without addresses must be resolved through discovery.
type NodeAddr struct {
	Key   PublicKey
	Addrs []string
}

// ParseNodeAddr parses a node address of the form "pubkey" or
// "pubkey@host:port[,host:port...]".
//
// Examples:
//
//	Q3gfkda4WVqhDAD7ypqLHVVknJSFxIUHAfIJBchFfi8
//	Q3gfkda4WVqhDAD7ypqLHVVknJSFxIUHAfIJBchFfi8@localhost:1047
//	Q3gfkda4WVqhDAD7ypqLHVVknJSFxIUHAfIJBchFfi8@10.0.0.1:1047,[fe80::1]:1047
func ParseNodeAddr(s string) (NodeAddr, error) {
	var na NodeAddr
	keyStr, addrs, hasAddrs := strings.Cut(s, "@")
	key, err := ParsePublicKey(keyStr)
	if err != nil {
		return na, err
	}
	na.Key = key
	if !hasAddrs {
		return na, nil
	}
	for _, a := range strings.Split(addrs, ",") {
		if a == "" || !strings.Contains(a, ":") {
			return NodeAddr{}, prefixError(ErrBadAddress, "expected host:port, got %q", a)
		}
		na.Addrs = append(na.Addrs, a)
	}
	return na, nil
}

// String returns the address in the form accepted by ParseNodeAddr.
func (na NodeAddr) String() string {
	if len(na.Addrs) == 0 {
		return na.Key.String()
	}
	return na.Key.String() + "@" + strings.Join(na.Addrs, ",")
}
