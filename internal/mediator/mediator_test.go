package mediator

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"encproxy/internal/acl"
	"encproxy/internal/crypto"
)

// --- SOCKS5 test client helpers ------------------------------------------

// socks5Connect performs method negotiation and a CONNECT request against
// conn, returning the server's reply code and bound address.
func socks5Connect(t *testing.T, conn net.Conn, host string, port uint16) (rep byte, bindIP net.IP, bindPort uint16) {
	t.Helper()
	if _, err := conn.Write([]byte{socks5Version, 1, authNone}); err != nil {
		t.Fatalf("write method negotiation: %v", err)
	}
	var methodReply [2]byte
	if _, err := io.ReadFull(conn, methodReply[:]); err != nil {
		t.Fatalf("read method reply: %v", err)
	}
	if methodReply[0] != socks5Version || methodReply[1] != authNone {
		t.Fatalf("method reply = %v, want NOAUTH accepted", methodReply)
	}

	req := encodeConnectRequest(host, port)
	if _, err := conn.Write(req); err != nil {
		t.Fatalf("write connect request: %v", err)
	}

	return readSocks5Reply(t, conn)
}

func encodeConnectRequest(host string, port uint16) []byte {
	var out []byte
	if ip := net.ParseIP(host); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			out = append(out, socks5Version, cmdConnect, 0x00, atypIPv4)
			out = append(out, v4...)
		} else {
			out = append(out, socks5Version, cmdConnect, 0x00, atypIPv6)
			out = append(out, ip.To16()...)
		}
	} else {
		out = append(out, socks5Version, cmdConnect, 0x00, atypDomain, byte(len(host)))
		out = append(out, host...)
	}
	var portBuf [2]byte
	binary.BigEndian.PutUint16(portBuf[:], port)
	return append(out, portBuf[:]...)
}

func readSocks5Reply(t *testing.T, conn net.Conn) (rep byte, bindIP net.IP, bindPort uint16) {
	t.Helper()
	var hdr [4]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		t.Fatalf("read reply header: %v", err)
	}
	rep = hdr[1]
	switch hdr[3] {
	case atypIPv4:
		var addr [4]byte
		io.ReadFull(conn, addr[:])
		bindIP = net.IP(addr[:])
	case atypIPv6:
		var addr [16]byte
		io.ReadFull(conn, addr[:])
		bindIP = net.IP(addr[:])
	}
	var portBuf [2]byte
	io.ReadFull(conn, portBuf[:])
	bindPort = binary.BigEndian.Uint16(portBuf[:])
	return rep, bindIP, bindPort
}

// --- fixtures --------------------------------------------------------------

// startEchoServer runs a bare TCP server that echoes every byte it
// receives back to the sender, standing in for an arbitrary destination
// reached directly (bypass).
func startEchoServer(t *testing.T) (addr string, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen echo server: %v", err)
	}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				io.Copy(c, c)
			}()
		}
	}()
	return ln.Addr().String(), func() { ln.Close() }
}

// startFakeRelay runs a TCP server that speaks the client half of the
// shadowsocks-libev wire protocol in reverse: it decrypts the inbound
// session with the given method/key, reads the destination header
// prepended to the first record, and echoes every subsequent payload
// back over a freshly sealed outbound session. It stands in for the
// actual relay server, which is a separate process outside this
// repository's scope.
func startFakeRelay(t *testing.T, method crypto.Method, key []byte) (addr string, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen fake relay: %v", err)
	}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go serveFakeRelayConn(t, c, method, key)
		}
	}()
	return ln.Addr().String(), func() { ln.Close() }
}

func serveFakeRelayConn(t *testing.T, c net.Conn, method crypto.Method, key []byte) {
	defer c.Close()

	dec, err := crypto.NewDecryptor(method, key)
	if err != nil {
		return
	}
	enc, err := crypto.NewEncryptor(method, key)
	if err != nil {
		return
	}

	var accum []byte
	buf := make([]byte, 4096)
	sawHeader := false

	for {
		n, err := c.Read(buf)
		if n > 0 {
			accum = append(accum, buf[:n]...)
			for {
				plaintext, consumed, derr := dec.Open(accum)
				if derr == crypto.ErrNeedMore {
					break
				}
				if derr != nil {
					return
				}
				accum = accum[consumed:]
				if consumed == 0 {
					break
				}
				payload := plaintext
				if !sawHeader {
					_, rest, ok := splitDstHeader(plaintext)
					if !ok {
						return
					}
					payload = rest
					sawHeader = true
				}
				if len(payload) > 0 {
					var out []byte
					out, err := enc.Encrypt(out, payload)
					if err != nil {
						return
					}
					if _, werr := c.Write(out); werr != nil {
						return
					}
				}
			}
		}
		if err != nil {
			return
		}
	}
}

// splitDstHeader parses the wire dst header (atyp || addr || port) from
// the front of plaintext, returning the decoded host and the remaining
// payload bytes that followed it in the same record.
func splitDstHeader(plaintext []byte) (host string, rest []byte, ok bool) {
	if len(plaintext) < 1 {
		return "", nil, false
	}
	switch plaintext[0] {
	case atypIPv4:
		if len(plaintext) < 1+4+2 {
			return "", nil, false
		}
		return net.IP(plaintext[1:5]).String(), plaintext[7:], true
	case atypIPv6:
		if len(plaintext) < 1+16+2 {
			return "", nil, false
		}
		return net.IP(plaintext[1:17]).String(), plaintext[19:], true
	case atypDomain:
		if len(plaintext) < 2 {
			return "", nil, false
		}
		n := int(plaintext[1])
		if len(plaintext) < 2+n+2 {
			return "", nil, false
		}
		return string(plaintext[2 : 2+n]), plaintext[2+n+2:], true
	default:
		return "", nil, false
	}
}

func testConfig(t *testing.T, a *acl.ACL, relays []RelayAddr) Config {
	t.Helper()
	return Config{
		ListenNetwork:    "tcp",
		ListenAddr:       "127.0.0.1:0",
		Relays:           relays,
		Method:           crypto.MethodChacha20IETFPoly1305,
		MasterKey:        crypto.DeriveMasterKey("mediator-test-password", 32),
		ACL:              a,
		HandshakeTimeout: 2 * time.Second,
		ConnectTimeout:   2 * time.Second,
		SniProbeDelay:    50 * time.Millisecond,
		LingerTimeout:    200 * time.Millisecond,
	}
}

func startListener(t *testing.T, cfg Config) (*Listener, *Runtime) {
	t.Helper()
	rt := NewRuntime()
	ln, err := NewListener(rt, cfg)
	if err != nil {
		t.Fatalf("NewListener: %v", err)
	}
	go ln.Serve()
	t.Cleanup(func() {
		ln.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		rt.Shutdown(ctx)
	})
	return ln, rt
}

// --- scenarios (spec §8) ----------------------------------------------------

func TestDirectBypassLiteralIP(t *testing.T) {
	echoAddr, stopEcho := startEchoServer(t)
	defer stopEcho()
	echoHost, echoPortStr, _ := net.SplitHostPort(echoAddr)
	echoPortInt, err := strconv.Atoi(echoPortStr)
	if err != nil {
		t.Fatalf("parse echo port: %v", err)
	}
	echoPort := uint16(echoPortInt)

	a := acl.New()
	a.SetDefaultMode(acl.BypassAll)

	cfg := testConfig(t, a, []RelayAddr{{Network: "tcp", Addr: "127.0.0.1:1"}})
	ln, _ := startListener(t, cfg)

	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial listener: %v", err)
	}
	defer client.Close()

	rep, _, _ := socks5Connect(t, client, echoHost, echoPort)
	if rep != repSuccess {
		t.Fatalf("reply = %#x, want success", rep)
	}

	msg := []byte("direct bypass payload")
	if _, err := client.Write(msg); err != nil {
		t.Fatalf("write: %v", err)
	}
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	got := make([]byte, len(msg))
	if _, err := io.ReadFull(client, got); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(got) != string(msg) {
		t.Fatalf("echo = %q, want %q", got, msg)
	}
}

func TestProxiedDomainOverAEAD(t *testing.T) {
	method := crypto.MethodChacha20IETFPoly1305
	key := crypto.DeriveMasterKey("mediator-test-password", 32)

	relayAddr, stopRelay := startFakeRelay(t, method, key)
	defer stopRelay()

	a := acl.New() // disabled: everything routes via relay

	cfg := testConfig(t, a, []RelayAddr{{Network: "tcp", Addr: relayAddr}})
	ln, _ := startListener(t, cfg)

	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial listener: %v", err)
	}
	defer client.Close()

	rep, _, _ := socks5Connect(t, client, "example.com", 443)
	if rep != repSuccess {
		t.Fatalf("reply = %#x, want success", rep)
	}

	msg := []byte("encrypted round trip")
	if _, err := client.Write(msg); err != nil {
		t.Fatalf("write: %v", err)
	}
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	got := make([]byte, len(msg))
	if _, err := io.ReadFull(client, got); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(got) != string(msg) {
		t.Fatalf("echo = %q, want %q", got, msg)
	}
}

func TestOutboundBlockByACL(t *testing.T) {
	a, err := acl.Load(strings.NewReader(strings.Join([]string{
		"[outbound_block_list]",
		"10.0.0.0/8",
	}, "\n")))
	if err != nil {
		t.Fatalf("acl.Load: %v", err)
	}

	cfg := testConfig(t, a, []RelayAddr{{Network: "tcp", Addr: "127.0.0.1:1"}})
	ln, _ := startListener(t, cfg)

	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial listener: %v", err)
	}
	defer client.Close()

	rep, _, _ := socks5Connect(t, client, "10.1.2.3", 80)
	if rep != repConnectionNotAllowed {
		t.Fatalf("reply = %#x, want repConnectionNotAllowed", rep)
	}
}

func TestUDPAssociateReply(t *testing.T) {
	a := acl.New()
	cfg := testConfig(t, a, []RelayAddr{{Network: "tcp", Addr: "127.0.0.1:1"}})
	ln, _ := startListener(t, cfg)

	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial listener: %v", err)
	}
	defer client.Close()

	if _, err := client.Write([]byte{socks5Version, 1, authNone}); err != nil {
		t.Fatalf("write method negotiation: %v", err)
	}
	var methodReply [2]byte
	io.ReadFull(client, methodReply[:])

	req := []byte{socks5Version, cmdUDPAssociate, 0x00, atypIPv4, 0, 0, 0, 0, 0, 0}
	if _, err := client.Write(req); err != nil {
		t.Fatalf("write udp associate request: %v", err)
	}

	rep, _, _ := readSocks5Reply(t, client)
	if rep != repSuccess {
		t.Fatalf("reply = %#x, want success", rep)
	}
}

// buildTLSClientHelloSNI constructs a minimal TLS 1.2 ClientHello record
// carrying a single server_name extension, enough for
// parseTLSClientHelloSNI to recover hostname.
func buildTLSClientHelloSNI(hostname string) []byte {
	name := []byte(hostname)

	entry := []byte{0x00} // name_type: host_name
	entry = appendUint16(entry, uint16(len(name)))
	entry = append(entry, name...)

	list := appendUint16(nil, uint16(len(entry)))
	list = append(list, entry...)

	ext := appendUint16(nil, 0x0000) // extension type: server_name
	ext = appendUint16(ext, uint16(len(list)))
	ext = append(ext, list...)

	extensions := appendUint16(nil, uint16(len(ext)))
	extensions = append(extensions, ext...)

	var body []byte
	body = append(body, 0x03, 0x03)          // client_version
	body = append(body, make([]byte, 32)...) // random
	body = append(body, 0x00)                // session_id length
	body = appendUint16(body, 2)              // cipher_suites length
	body = append(body, 0x00, 0x2f)           // TLS_RSA_WITH_AES_128_CBC_SHA
	body = append(body, 0x01, 0x00)           // compression_methods: null
	body = append(body, extensions...)

	hsLen := len(body)
	handshake := []byte{0x01, byte(hsLen >> 16), byte(hsLen >> 8), byte(hsLen)}
	handshake = append(handshake, body...)

	recLen := len(handshake)
	record := []byte{0x16, 0x03, 0x01, byte(recLen >> 8), byte(recLen)}
	return append(record, handshake...)
}

func appendUint16(b []byte, v uint16) []byte {
	return append(b, byte(v>>8), byte(v))
}

// TestSniRewriteReclassifiesBlockedDestination exercises spec §4.5.2's
// SniProbe path end to end: a CONNECT to a bare IP literal on port 443
// gets its success reply immediately, then the TLS ClientHello's SNI
// name overrides the destination and the ACL reclassifies it — here
// from unmatched (would proxy) to blocked — before any remote dial is
// attempted.
func TestSniRewriteReclassifiesBlockedDestination(t *testing.T) {
	a, err := acl.Load(strings.NewReader(strings.Join([]string{
		"[outbound_block_list]",
		`sni\.block\.example$`,
	}, "\n")))
	if err != nil {
		t.Fatalf("acl.Load: %v", err)
	}

	cfg := testConfig(t, a, []RelayAddr{{Network: "tcp", Addr: "127.0.0.1:1"}})
	ln, _ := startListener(t, cfg)

	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial listener: %v", err)
	}
	defer client.Close()

	if _, err := client.Write([]byte{socks5Version, 1, authNone}); err != nil {
		t.Fatalf("write method negotiation: %v", err)
	}
	var methodReply [2]byte
	if _, err := io.ReadFull(client, methodReply[:]); err != nil {
		t.Fatalf("read method reply: %v", err)
	}

	req := encodeConnectRequest("127.0.0.1", 443)
	if _, err := client.Write(req); err != nil {
		t.Fatalf("write connect request: %v", err)
	}

	// The SniProbe stage replies success before it knows the real
	// destination, per spec §4.5.2.
	rep, _, _ := readSocks5Reply(t, client)
	if rep != repSuccess {
		t.Fatalf("reply = %#x, want success (SniProbe replies before classifying)", rep)
	}

	hello := buildTLSClientHelloSNI("sni.block.example")
	if _, err := client.Write(hello); err != nil {
		t.Fatalf("write client hello: %v", err)
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 16)
	if n, err := client.Read(buf); err != io.EOF && !(n == 0 && err != nil) {
		t.Fatalf("read after blocked SNI destination = (%d, %v), want EOF", n, err)
	}
}

func TestMultiRelayFailover(t *testing.T) {
	method := crypto.MethodChacha20IETFPoly1305
	key := crypto.DeriveMasterKey("mediator-test-password", 32)

	relayAddr, stopRelay := startFakeRelay(t, method, key)
	defer stopRelay()

	a := acl.New()
	cfg := testConfig(t, a, []RelayAddr{
		{Network: "tcp", Addr: "127.0.0.1:1"}, // unreachable: nothing listens on port 1
		{Network: "tcp", Addr: relayAddr},
	})
	ln, _ := startListener(t, cfg)

	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial listener: %v", err)
	}
	defer client.Close()

	rep, _, _ := socks5Connect(t, client, "example.org", 443)
	if rep != repSuccess {
		t.Fatalf("reply = %#x, want success (failover to working relay)", rep)
	}
}
