package mediator

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
)

// negotiateMethod implements spec §4.5.2's Init stage: read
// ver|nmethods|methods, accept only NOAUTH.
func (p *Pair) negotiateMethod() error {
	var hdr [2]byte
	if _, err := io.ReadFull(p.client, hdr[:]); err != nil {
		return fmt.Errorf("%w: method header: %v", ErrClientProtocol, err)
	}
	if hdr[0] != socks5Version {
		return fmt.Errorf("%w: bad version %d", ErrClientProtocol, hdr[0])
	}

	nmethods := int(hdr[1])
	if nmethods == 0 {
		return fmt.Errorf("%w: zero methods offered", ErrClientProtocol)
	}
	methods := make([]byte, nmethods)
	if _, err := io.ReadFull(p.client, methods); err != nil {
		return fmt.Errorf("%w: methods: %v", ErrClientProtocol, err)
	}

	hasNoAuth := false
	for _, m := range methods {
		if m == authNone {
			hasNoAuth = true
			break
		}
	}
	if !hasNoAuth {
		p.client.Write([]byte{socks5Version, authUnacceptable})
		return fmt.Errorf("%w: no acceptable auth method", ErrClientProtocol)
	}
	_, err := p.client.Write([]byte{socks5Version, authNone})
	return err
}

// readRequest implements the request half of spec §4.5.2's
// MethodSelected/Handshake stage: parse ver|cmd|rsv|atyp|addr|port and
// save the address block verbatim as dst (spec §3 "dst_header... saved
// verbatim").
func (p *Pair) readRequest() (cmd byte, err error) {
	var hdr [4]byte
	if _, err := io.ReadFull(p.client, hdr[:]); err != nil {
		return 0, fmt.Errorf("%w: request header: %v", ErrClientProtocol, err)
	}
	if hdr[0] != socks5Version {
		return 0, fmt.Errorf("%w: bad version %d", ErrClientProtocol, hdr[0])
	}
	cmd = hdr[1]
	atyp := hdr[3]

	var addr []byte
	switch atyp {
	case atypIPv4:
		addr = make([]byte, 4)
		if _, err := io.ReadFull(p.client, addr); err != nil {
			return 0, fmt.Errorf("%w: ipv4 addr: %v", ErrClientProtocol, err)
		}
	case atypDomain:
		var l [1]byte
		if _, err := io.ReadFull(p.client, l[:]); err != nil {
			return 0, fmt.Errorf("%w: domain len: %v", ErrClientProtocol, err)
		}
		if l[0] == 0 {
			p.sendReply(repGeneralFailure, nil, 0)
			return 0, fmt.Errorf("%w: zero-length domain", ErrClientProtocol)
		}
		name := make([]byte, l[0])
		if _, err := io.ReadFull(p.client, name); err != nil {
			return 0, fmt.Errorf("%w: domain: %v", ErrClientProtocol, err)
		}
		addr = append([]byte{l[0]}, name...)
	case atypIPv6:
		addr = make([]byte, 16)
		if _, err := io.ReadFull(p.client, addr); err != nil {
			return 0, fmt.Errorf("%w: ipv6 addr: %v", ErrClientProtocol, err)
		}
	default:
		p.sendReply(repAddrTypeNotSupported, nil, 0)
		return 0, fmt.Errorf("%w: unsupported atyp %d", ErrClientProtocol, atyp)
	}

	var portBuf [2]byte
	if _, err := io.ReadFull(p.client, portBuf[:]); err != nil {
		return 0, fmt.Errorf("%w: port: %v", ErrClientProtocol, err)
	}
	port := binary.BigEndian.Uint16(portBuf[:])

	p.dst = dstHeader{atyp: atyp, addr: addr, port: port}

	if cmd != cmdConnect && cmd != cmdUDPAssociate {
		p.sendReply(repCommandNotSupported, nil, 0)
		return cmd, nil
	}
	return cmd, nil
}

// sendReply writes {ver=5, rep, rsv=0, atyp, bndaddr, bndport}, padding
// with IPv4 0.0.0.0:0 when no real local address is known (spec
// §4.5.2).
func (p *Pair) sendReply(rep byte, bindIP net.IP, bindPort uint16) {
	var buf [22]byte
	buf[0] = socks5Version
	buf[1] = rep
	buf[2] = 0x00

	n := 4
	if bindIP != nil {
		if v4 := bindIP.To4(); v4 != nil {
			buf[3] = atypIPv4
			copy(buf[4:8], v4)
			n = 8
		} else {
			buf[3] = atypIPv6
			copy(buf[4:20], bindIP.To16())
			n = 20
		}
	} else {
		buf[3] = atypIPv4
		n = 8
	}
	binary.BigEndian.PutUint16(buf[n:n+2], bindPort)
	n += 2

	p.client.Write(buf[:n])
}
