package hio

import (
	"fmt"
	"net"
)

// AddrFamily discriminates the union spec.md §6 calls skad ("socket address
// union over v4/v6/unix/packet"). Go has no tagged unions, so SockAddr is a
// small struct with a family tag instead, exactly the substitution spec.md
// §9 invites ("Model with shared ownership... a plain reference" for
// GC languages applies equally to unions: a tagged struct).
type AddrFamily uint8

const (
	AddrNone AddrFamily = iota
	AddrInet4
	AddrInet6
	AddrUnix
	AddrPacket
)

// SockAddr is the devaddr/skad of spec.md §6.
type SockAddr struct {
	Family  AddrFamily
	IP      net.IP
	Port    int
	Path    string // AF_UNIX
	IfIndex int    // AF_PACKET
}

// EncodedLen approximates the serialized size of the address, used only to
// pick a CWQ free-list size class (spec.md §3); it need not be exact, only
// monotonic in the address's real footprint.
func (a *SockAddr) EncodedLen() int {
	if a == nil {
		return 0
	}
	switch a.Family {
	case AddrInet4:
		return 8
	case AddrInet6:
		return 20
	case AddrUnix:
		return len(a.Path) + 2
	case AddrPacket:
		return 12
	default:
		return 0
	}
}

func (a *SockAddr) String() string {
	if a == nil {
		return "<nil>"
	}
	switch a.Family {
	case AddrInet4, AddrInet6:
		return net.JoinHostPort(a.IP.String(), fmt.Sprint(a.Port))
	case AddrUnix:
		return "unix:" + a.Path
	case AddrPacket:
		return fmt.Sprintf("packet:if%d", a.IfIndex)
	default:
		return "<none>"
	}
}

// SockAddrFromNetAddr converts a net.Addr (as returned by net.Conn's
// LocalAddr/RemoteAddr) into a SockAddr.
func SockAddrFromNetAddr(a net.Addr) *SockAddr {
	if a == nil {
		return nil
	}
	switch v := a.(type) {
	case *net.TCPAddr:
		fam := AddrInet4
		if v.IP.To4() == nil {
			fam = AddrInet6
		}
		return &SockAddr{Family: fam, IP: v.IP, Port: v.Port}
	case *net.UDPAddr:
		fam := AddrInet4
		if v.IP.To4() == nil {
			fam = AddrInet6
		}
		return &SockAddr{Family: fam, IP: v.IP, Port: v.Port}
	case *net.UnixAddr:
		return &SockAddr{Family: AddrUnix, Path: v.Name}
	default:
		return &SockAddr{Family: AddrNone}
	}
}
