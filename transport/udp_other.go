// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

//go:build !unix

package transport

import (
	"errors"
	"net"
)

func setBroadcast(*net.UDPConn) error {
	return errors.New("udp: broadcast is not supported on this platform")
}
