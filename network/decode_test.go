package network

import (
	"encoding/binary"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildQuery encodes a single-question DNS query for name.
func buildQuery(txid uint16, name string, qtype uint16) []byte {
	msg := make([]byte, 12)
	binary.BigEndian.PutUint16(msg[0:], txid)
	binary.BigEndian.PutUint16(msg[2:], 0x0100) // RD
	binary.BigEndian.PutUint16(msg[4:], 1)
	start := 0
	for i := 0; i <= len(name); i++ {
		if i == len(name) || name[i] == '.' {
			msg = append(msg, byte(i-start))
			msg = append(msg, name[start:i]...)
			start = i + 1
		}
	}
	msg = append(msg, 0)
	msg = binary.BigEndian.AppendUint16(msg, qtype)
	msg = binary.BigEndian.AppendUint16(msg, 1)
	return msg
}

func TestParseDNSQuery(t *testing.T) {
	info, err := ParseDNSQuery(buildQuery(0xbeef, "www.example.com", DNSTypeAAAA))
	require.NoError(t, err)
	assert.Equal(t, uint16(0xbeef), info.TransactionID)
	assert.Equal(t, "www.example.com", info.QueryName)
	assert.Equal(t, DNSTypeAAAA, info.QueryType)
	assert.False(t, info.IsResponse)
	assert.Equal(t, "query=www.example.com type=AAAA txid=0xbeef", FormatDNSQuery(info))
}

func TestParseDNSQueryMalformed(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
	}{
		{name: "short header", payload: make([]byte, 5)},
		{name: "no question", payload: make([]byte, 12)},
		{name: "truncated label", payload: append(buildQuery(1, "a", 1)[:12], 10, 'a', 'b')},
		{name: "compression pointer", payload: append(buildQuery(1, "a", 1)[:12], 0xC0, 0x0C)},
		{name: "missing terminator", payload: append(buildQuery(1, "a", 1)[:12], 1, 'a')},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseDNSQuery(tt.payload)
			assert.Error(t, err)
		})
	}
}

func TestSanitizeDNSName(t *testing.T) {
	assert.Equal(t, "evil.com", sanitizeDNSName("ev\x00il.c\xffom"))
	assert.Equal(t, "[malformed-query]", sanitizeDNSName("\x01\x02"))
	long := make([]byte, 300)
	for i := range long {
		long[i] = 'a'
	}
	assert.Len(t, sanitizeDNSName(string(long)), 255)
}

func TestParseSockaddr(t *testing.T) {
	in4 := []byte{2, 0, 0x01, 0xbb, 93, 184, 216, 34, 0, 0, 0, 0, 0, 0, 0, 0}
	info, err := ParseSockaddr(in4)
	require.NoError(t, err)
	assert.Equal(t, AFInet, info.Family)
	assert.Equal(t, uint16(443), info.Port)
	assert.True(t, info.IP.Equal(net.ParseIP("93.184.216.34")))
	assert.Equal(t, "93.184.216.34:443", FormatConnection(info))

	in6 := make([]byte, 28)
	in6[0] = 10
	binary.BigEndian.PutUint16(in6[2:], 53)
	copy(in6[8:], net.ParseIP("::1"))
	info, err = ParseSockaddr(in6)
	require.NoError(t, err)
	assert.Equal(t, "[::1]:53", FormatConnection(info))

	un := append([]byte{1, 0}, []byte("/run/x.sock\x00junk")...)
	info, err = ParseSockaddr(un)
	require.NoError(t, err)
	assert.Equal(t, "unix:/run/x.sock", FormatConnection(info))

	_, err = ParseSockaddr([]byte{99, 0, 0, 0})
	assert.Error(t, err)
	_, err = ParseSockaddr([]byte{2, 0, 1})
	assert.Error(t, err)
}
