/*
Copyright 2024 The Shellway Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package portforward

import (
	"fmt"
	"io"
	"net"

	"github.com/shellway/supervisor/lib/errs"
)

const (
	socks5Version = 0x05

	socks5CmdConnect      = 0x01
	socks5CmdBind         = 0x02
	socks5CmdUDPAssociate = 0x03

	socks5AddrIPv4   = 0x01
	socks5AddrDomain = 0x03
	socks5AddrIPv6   = 0x04

	socks5ReplySuccess          = 0x00
	socks5ReplyCommandNotSupported = 0x07
	socks5ReplyGeneralFailure   = 0x01
)

// socks5Handshake performs the server side of a SOCKS5 negotiation (RFC
// 1928): no-auth method selection, then a CONNECT request. BIND and
// UDP ASSOCIATE are rejected with 0x07 (command not supported) — this
// supervisor's dynamic forwarding is CONNECT-only, matching the spec.
// The pack carries no socks server package (the teacher's own
// lib/sshutils/socks import isn't in the retrieval set), so this is
// hand-rolled directly against the RFC.
func socks5Handshake(conn net.Conn) (string, error) {
	if err := socks5SelectMethod(conn); err != nil {
		return "", err
	}
	return socks5ReadRequest(conn)
}

func socks5SelectMethod(conn net.Conn) error {
	header := make([]byte, 2)
	if _, err := io.ReadFull(conn, header); err != nil {
		return errs.Wrap(errs.Protocol, err)
	}
	if header[0] != socks5Version {
		return errs.New(errs.Protocol, "unsupported SOCKS version %d", header[0])
	}
	nMethods := int(header[1])
	methods := make([]byte, nMethods)
	if _, err := io.ReadFull(conn, methods); err != nil {
		return errs.Wrap(errs.Protocol, err)
	}
	// Only no-authentication (0x00) is offered; desktop SSH clients don't
	// need SOCKS-level auth since the tunnel itself is already SSH-secured.
	if _, err := conn.Write([]byte{socks5Version, 0x00}); err != nil {
		return errs.Wrap(errs.Network, err)
	}
	return nil
}

func socks5ReadRequest(conn net.Conn) (string, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(conn, header); err != nil {
		return "", errs.Wrap(errs.Protocol, err)
	}
	if header[0] != socks5Version {
		return "", errs.New(errs.Protocol, "unsupported SOCKS version %d", header[0])
	}

	cmd := header[1]
	if cmd != socks5CmdConnect {
		socks5WriteReply(conn, socks5ReplyCommandNotSupported)
		return "", errs.New(errs.Protocol, "socks5 command %d not supported", cmd)
	}

	var host string
	switch header[3] {
	case socks5AddrIPv4:
		addr := make([]byte, 4)
		if _, err := io.ReadFull(conn, addr); err != nil {
			return "", errs.Wrap(errs.Protocol, err)
		}
		host = net.IP(addr).String()
	case socks5AddrIPv6:
		addr := make([]byte, 16)
		if _, err := io.ReadFull(conn, addr); err != nil {
			return "", errs.Wrap(errs.Protocol, err)
		}
		host = net.IP(addr).String()
	case socks5AddrDomain:
		lenBuf := make([]byte, 1)
		if _, err := io.ReadFull(conn, lenBuf); err != nil {
			return "", errs.Wrap(errs.Protocol, err)
		}
		domain := make([]byte, lenBuf[0])
		if _, err := io.ReadFull(conn, domain); err != nil {
			return "", errs.Wrap(errs.Protocol, err)
		}
		host = string(domain)
	default:
		socks5WriteReply(conn, socks5ReplyGeneralFailure)
		return "", errs.New(errs.Protocol, "unsupported SOCKS address type %d", header[3])
	}

	portBuf := make([]byte, 2)
	if _, err := io.ReadFull(conn, portBuf); err != nil {
		return "", errs.Wrap(errs.Protocol, err)
	}
	port := int(portBuf[0])<<8 | int(portBuf[1])

	if err := socks5WriteReply(conn, socks5ReplySuccess); err != nil {
		return "", err
	}

	return net.JoinHostPort(host, fmt.Sprint(port)), nil
}

func socks5WriteReply(conn net.Conn, code byte) error {
	// BND.ADDR/BND.PORT are zeroed: this supervisor never reports the
	// bound address it dialed from, only success/failure.
	reply := []byte{socks5Version, code, 0x00, socks5AddrIPv4, 0, 0, 0, 0, 0, 0}
	_, err := conn.Write(reply)
	if err != nil {
		return errs.Wrap(errs.Network, err)
	}
	return nil
}
