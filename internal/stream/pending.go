package stream

import (
	"fmt"
	"net"
)

// Family identifies the local transport a PendingStream was accepted on.
type Family string

const (
	FamilyTCP  Family = "tcp"
	FamilyUnix Family = "unix"
)

// PendingStream is one accepted local connection waiting for a tunnel peer.
//
// The set of variants is closed: TCP and Unix are the only implementations.
// A PendingStream is consumed exactly once; whoever receives it from the Queue
// owns the underlying connection and must close it.
type PendingStream interface {
	Family() Family
	NetConn() net.Conn
	String() string

	pending()
}

// TCP is a PendingStream accepted on a TCP listener.
type TCP struct {
	Conn *net.TCPConn
}

// Unix is a PendingStream accepted on a Unix-domain stream listener.
type Unix struct {
	Conn *net.UnixConn
}

func (TCP) Family() Family  { return FamilyTCP }
func (Unix) Family() Family { return FamilyUnix }

func (s TCP) NetConn() net.Conn  { return s.Conn }
func (s Unix) NetConn() net.Conn { return s.Conn }

func (s TCP) String() string {
	return fmt.Sprintf("tcp(%s)", addrString(s.Conn.RemoteAddr()))
}

func (s Unix) String() string {
	// Unix peers are usually unnamed; the bound path is more useful.
	return fmt.Sprintf("unix(%s)", addrString(s.Conn.LocalAddr()))
}

func (TCP) pending()  {}
func (Unix) pending() {}

// Wrap turns an accepted net.Conn into the matching PendingStream variant.
func Wrap(c net.Conn) (PendingStream, error) {
	switch conn := c.(type) {
	case *net.TCPConn:
		return TCP{Conn: conn}, nil
	case *net.UnixConn:
		return Unix{Conn: conn}, nil
	default:
		return nil, fmt.Errorf("stream: unsupported connection type %T", c)
	}
}

func addrString(a net.Addr) string {
	if a == nil {
		return "?"
	}
	if s := a.String(); s != "" {
		return s
	}
	return "@"
}
