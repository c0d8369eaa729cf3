// Package netio provides the datagram transports of the CoAP server and
// client.
//
// ListenUDP opens a plain CoAP socket (RFC 7252 Section 4) and uses
// golang.org/x/net/ipv4 and golang.org/x/net/ipv6 control messages to
// report the destination address and receiving interface of each
// datagram. ListenDTLS opens a coaps endpoint (RFC 7252 Section 9) in
// pre-shared key mode on top of github.com/pion/dtls/v3 and multiplexes
// every peer session into the same PacketConn interface.
package netio
