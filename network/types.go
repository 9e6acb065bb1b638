package network

import (
	"net"
)

// ConnectionInfo is the decoded detail of a connect or bind record.
type ConnectionInfo struct {
	PID         uint32
	ProcessName string
	Family      uint16
	IP          net.IP
	Port        uint16
	Path        string // AF_UNIX socket path
}

// DNSInfo is the decoded question section of an outgoing DNS query.
type DNSInfo struct {
	PID         uint32
	ProcessName string

	// DNS specific fields
	TransactionID uint16
	QueryName     string
	QueryType     uint16
	IsResponse    bool
	Flags         uint16
	QuestionCount uint16
	AnswerCount   uint16
}

// DNS query types (most common)
const (
	DNSTypeA     uint16 = 1
	DNSTypeNS    uint16 = 2
	DNSTypeCNAME uint16 = 5
	DNSTypeSOA   uint16 = 6
	DNSTypePTR   uint16 = 12
	DNSTypeMX    uint16 = 15
	DNSTypeTXT   uint16 = 16
	DNSTypeAAAA  uint16 = 28
	DNSTypeSRV   uint16 = 33
	DNSTypeANY   uint16 = 255
)

// Socket address families as laid out by the kernel program.
const (
	AFUnix  uint16 = 1
	AFInet  uint16 = 2
	AFInet6 uint16 = 10
)
