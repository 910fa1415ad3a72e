package mediator

import (
	"bytes"
	"encoding/binary"
)

// parseHTTPHost extracts the value of an HTTP "Host:" header from buf,
// which must contain at least the request line and header block up to
// the terminating blank line (spec §4.5.2 SniProbe, port 80 case).
func parseHTTPHost(buf []byte) (host string, ok bool) {
	end := bytes.Index(buf, []byte("\r\n\r\n"))
	if end < 0 {
		return "", false
	}
	headerBlock := buf[:end]
	for _, line := range bytes.Split(headerBlock, []byte("\r\n")) {
		if len(line) < 6 {
			continue
		}
		if !bytes.EqualFold(line[:5], []byte("Host:")) {
			continue
		}
		h := bytes.TrimSpace(line[5:])
		if idx := bytes.IndexByte(h, ':'); idx >= 0 {
			h = h[:idx] // strip an explicit :port
		}
		if len(h) == 0 {
			return "", false
		}
		return string(h), true
	}
	return "", false
}

// parseTLSClientHelloSNI extracts the server_name extension from a TLS
// ClientHello record (spec §4.5.2 SniProbe, port 443 case). It returns
// ok=false (never an error) on any malformed or incomplete input so the
// caller always falls back to the IP destination.
func parseTLSClientHelloSNI(buf []byte) (host string, ok bool) {
	// TLS record header: type(1) version(2) length(2)
	if len(buf) < 5 || buf[0] != 0x16 {
		return "", false
	}
	recLen := int(binary.BigEndian.Uint16(buf[3:5]))
	if len(buf) < 5+recLen {
		return "", false
	}
	body := buf[5 : 5+recLen]

	// Handshake header: type(1)==ClientHello(1) length(3)
	if len(body) < 4 || body[0] != 0x01 {
		return "", false
	}
	hsLen := int(body[1])<<16 | int(body[2])<<8 | int(body[3])
	if len(body) < 4+hsLen {
		return "", false
	}
	b := body[4 : 4+hsLen]

	// client_version(2) random(32)
	if len(b) < 34 {
		return "", false
	}
	b = b[34:]

	// session_id
	if len(b) < 1 {
		return "", false
	}
	sidLen := int(b[0])
	if len(b) < 1+sidLen {
		return "", false
	}
	b = b[1+sidLen:]

	// cipher_suites
	if len(b) < 2 {
		return "", false
	}
	csLen := int(binary.BigEndian.Uint16(b[:2]))
	if len(b) < 2+csLen {
		return "", false
	}
	b = b[2+csLen:]

	// compression_methods
	if len(b) < 1 {
		return "", false
	}
	cmLen := int(b[0])
	if len(b) < 1+cmLen {
		return "", false
	}
	b = b[1+cmLen:]

	if len(b) < 2 {
		return "", false
	}
	extLen := int(binary.BigEndian.Uint16(b[:2]))
	b = b[2:]
	if len(b) < extLen {
		return "", false
	}
	b = b[:extLen]

	for len(b) >= 4 {
		extType := binary.BigEndian.Uint16(b[:2])
		l := int(binary.BigEndian.Uint16(b[2:4]))
		if len(b) < 4+l {
			return "", false
		}
		data := b[4 : 4+l]
		if extType == 0x0000 { // server_name
			return parseServerNameExt(data)
		}
		b = b[4+l:]
	}
	return "", false
}

func parseServerNameExt(data []byte) (string, bool) {
	if len(data) < 2 {
		return "", false
	}
	listLen := int(binary.BigEndian.Uint16(data[:2]))
	b := data[2:]
	if len(b) < listLen {
		return "", false
	}
	b = b[:listLen]
	for len(b) >= 3 {
		nameType := b[0]
		nameLen := int(binary.BigEndian.Uint16(b[1:3]))
		if len(b) < 3+nameLen {
			return "", false
		}
		name := b[3 : 3+nameLen]
		if nameType == 0x00 { // host_name
			return string(name), true
		}
		b = b[3+nameLen:]
	}
	return "", false
}
