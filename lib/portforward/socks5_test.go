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
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

// T-SOCKS5: the DYNAMIC acceptor replies 0x05 0x00 to a no-auth negotiation
// and accepts a CONNECT to each of the three address types RFC 1928 names.
func TestSocks5HandshakeAcceptsNoAuthAndConnect(t *testing.T) {
	cases := []struct {
		name    string
		request []byte
		wantDst string
	}{
		{
			name:    "ipv4",
			request: []byte{0x05, 0x01, 0x00, socks5AddrIPv4, 93, 184, 216, 34, 0x00, 0x50},
			wantDst: "93.184.216.34:80",
		},
		{
			name: "ipv6",
			request: []byte{0x05, 0x01, 0x00, socks5AddrIPv6,
				0x20, 0x01, 0x0d, 0xb8, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0x01,
				0x00, 0x50},
			wantDst: "[2001:db8::1]:80",
		},
		{
			name:    "domain",
			request: append(append([]byte{0x05, 0x01, 0x00, socks5AddrDomain, byte(len("example.com"))}, []byte("example.com")...), 0x01, 0xbb),
			wantDst: "example.com:443",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client, server := net.Pipe()
			defer client.Close()
			defer server.Close()

			done := make(chan struct{})
			var dst string
			var hsErr error
			go func() {
				defer close(done)
				dst, hsErr = socks5Handshake(server)
			}()

			_, err := client.Write([]byte{0x05, 0x01, 0x00})
			require.NoError(t, err)
			methodReply := make([]byte, 2)
			_, err = io.ReadFull(client, methodReply)
			require.NoError(t, err)
			require.Equal(t, []byte{0x05, 0x00}, methodReply)

			_, err = client.Write(tc.request)
			require.NoError(t, err)
			connReply := make([]byte, 10)
			_, err = io.ReadFull(client, connReply)
			require.NoError(t, err)
			require.Equal(t, byte(0x05), connReply[0])
			require.Equal(t, byte(socks5ReplySuccess), connReply[1])

			<-done
			require.NoError(t, hsErr)
			require.Equal(t, tc.wantDst, dst)
		})
	}
}

// T-SOCKS5: BIND and UDP ASSOCIATE must be rejected with 0x05 0x07
// (command not supported); CONNECT is the only supported command.
func TestSocks5RejectsBindAndUDPAssociate(t *testing.T) {
	cases := []struct {
		name string
		cmd  byte
	}{
		{"bind", socks5CmdBind},
		{"udp-associate", socks5CmdUDPAssociate},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client, server := net.Pipe()
			defer client.Close()
			defer server.Close()

			done := make(chan struct{})
			var hsErr error
			go func() {
				defer close(done)
				_, hsErr = socks5Handshake(server)
			}()

			_, err := client.Write([]byte{0x05, 0x01, 0x00})
			require.NoError(t, err)
			methodReply := make([]byte, 2)
			_, err = io.ReadFull(client, methodReply)
			require.NoError(t, err)

			// The server rejects on the 4-byte header alone and never reads
			// an address/port for an unsupported command, so only the
			// header is written here (net.Pipe is unbuffered: writing more
			// than the other side ever reads would deadlock the test).
			_, err = client.Write([]byte{0x05, tc.cmd, 0x00, socks5AddrIPv4})
			require.NoError(t, err)

			reply := make([]byte, 10)
			_, err = io.ReadFull(client, reply)
			require.NoError(t, err)
			require.Equal(t, byte(0x05), reply[0])
			require.Equal(t, byte(socks5ReplyCommandNotSupported), reply[1])

			<-done
			require.Error(t, hsErr)
		})
	}
}
