/*
Package conn implements the connection between a pair of nodes.
A connection is opened by the sending node: one-way messages only flow from
the dialer to the listener, and a request is answered by the listener on the
same connection before the connection goes back to the pool.
To make the connection more usable, it is encapsulated with its reader,
writer, encoder and decoder.
*/
package conn

import (
	"bufio"
	"net"

	"github.com/hashicorp/go-msgpack/codec"
)

// NetConn represents a connection established from one node to another.
type NetConn struct {
	target string
	conn   net.Conn
	r      *bufio.Reader
	w      *bufio.Writer
	enc    *codec.Encoder
	dec    *codec.Decoder
}

// Release closes the connection in a NetConn variable.
func (n *NetConn) Release() error {
	return n.conn.Close()
}
