package network

import (
	"encoding/binary"
	"fmt"
	"net"
	"strings"
)

const dnsHeaderLen = 12

// ParseSockaddr decodes a raw struct sockaddr captured by connect or bind.
// The family is in host (little-endian) order, the port in network order.
func ParseSockaddr(raw []byte) (*ConnectionInfo, error) {
	if len(raw) < 2 {
		return nil, fmt.Errorf("sockaddr too short: %d bytes", len(raw))
	}
	info := &ConnectionInfo{Family: binary.LittleEndian.Uint16(raw)}

	switch info.Family {
	case AFInet:
		if len(raw) < 8 {
			return nil, fmt.Errorf("sockaddr_in too short: %d bytes", len(raw))
		}
		info.Port = binary.BigEndian.Uint16(raw[2:])
		info.IP = net.IPv4(raw[4], raw[5], raw[6], raw[7])
	case AFInet6:
		if len(raw) < 24 {
			return nil, fmt.Errorf("sockaddr_in6 too short: %d bytes", len(raw))
		}
		info.Port = binary.BigEndian.Uint16(raw[2:])
		info.IP = append(net.IP(nil), raw[8:24]...)
	case AFUnix:
		path := raw[2:]
		if i := strings.IndexByte(string(path), 0); i >= 0 {
			path = path[:i]
		}
		info.Path = string(path)
	default:
		return nil, fmt.Errorf("unsupported address family %d", info.Family)
	}
	return info, nil
}

// ParseDNSQuery decodes the header and first question of a DNS message.
func ParseDNSQuery(payload []byte) (*DNSInfo, error) {
	if len(payload) < dnsHeaderLen {
		return nil, fmt.Errorf("dns message too short: %d bytes", len(payload))
	}

	info := &DNSInfo{
		TransactionID: binary.BigEndian.Uint16(payload[0:]),
		Flags:         binary.BigEndian.Uint16(payload[2:]),
		QuestionCount: binary.BigEndian.Uint16(payload[4:]),
		AnswerCount:   binary.BigEndian.Uint16(payload[6:]),
	}
	info.IsResponse = info.Flags&0x8000 != 0
	if info.QuestionCount == 0 {
		return nil, fmt.Errorf("dns message has no question")
	}

	var labels []string
	off := dnsHeaderLen
	for {
		if off >= len(payload) {
			return nil, fmt.Errorf("dns name runs past end of capture")
		}
		n := int(payload[off])
		off++
		if n == 0 {
			break
		}
		// Compression pointers never appear in the first question.
		if n&0xC0 != 0 {
			return nil, fmt.Errorf("unexpected label type 0x%02x", n)
		}
		if off+n > len(payload) {
			return nil, fmt.Errorf("dns label runs past end of capture")
		}
		labels = append(labels, string(payload[off:off+n]))
		off += n
	}
	info.QueryName = sanitizeDNSName(strings.Join(labels, "."))

	// The capture may end before qtype.
	if off+2 <= len(payload) {
		info.QueryType = binary.BigEndian.Uint16(payload[off:])
	}
	return info, nil
}

// sanitizeDNSName ensures the DNS name is valid and not maliciously crafted
func sanitizeDNSName(name string) string {
	if len(name) > 255 {
		name = name[:255]
	}

	// Only allow a-z, A-Z, 0-9, '.', '-', '_'
	var result strings.Builder
	for _, c := range name {
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') ||
			(c >= '0' && c <= '9') || c == '.' || c == '-' || c == '_' {
			result.WriteRune(c)
		}
	}

	// Empty after filtering means binary garbage
	if result.Len() == 0 {
		return "[malformed-query]"
	}
	return result.String()
}

// FormatConnection renders a connect/bind destination for display.
func FormatConnection(info *ConnectionInfo) string {
	switch info.Family {
	case AFUnix:
		return "unix:" + info.Path
	default:
		return net.JoinHostPort(info.IP.String(), fmt.Sprint(info.Port))
	}
}

// FormatDNSQuery renders a DNS question for display.
func FormatDNSQuery(info *DNSInfo) string {
	return fmt.Sprintf("query=%s type=%s txid=0x%04x",
		info.QueryName, DNSTypeString(info.QueryType), info.TransactionID)
}

// DNSTypeString converts DNS query type to string
func DNSTypeString(queryType uint16) string {
	switch queryType {
	case DNSTypeA:
		return "A"
	case DNSTypeNS:
		return "NS"
	case DNSTypeCNAME:
		return "CNAME"
	case DNSTypeSOA:
		return "SOA"
	case DNSTypePTR:
		return "PTR"
	case DNSTypeMX:
		return "MX"
	case DNSTypeTXT:
		return "TXT"
	case DNSTypeAAAA:
		return "AAAA"
	case DNSTypeSRV:
		return "SRV"
	case DNSTypeANY:
		return "ANY"
	default:
		return fmt.Sprintf("TYPE-%d", queryType)
	}
}
