//go:build !linux

package control

import (
	"errors"
	"net"
)

func peerCredentials(net.Conn) (PeerCred, error) {
	return PeerCred{}, errors.New("peer credentials unsupported on this platform")
}
