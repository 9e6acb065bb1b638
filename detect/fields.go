package detect

import (
	"encoding/binary"

	"github.com/jnesss/bpf-sandbox/network"
	"github.com/jnesss/bpf-sandbox/tracer"
	"github.com/jnesss/bpf-sandbox/types"
)

// Fields flattens a raw record into the key/value event that Sigma rules are
// evaluated against. Keys follow Sysmon naming where one exists.
func Fields(evt *tracer.RawEvent) map[string]interface{} {
	cat := types.Category(evt.Category)
	fields := map[string]interface{}{
		"Category":        cat.String(),
		"Operation":       types.OperationName(cat, evt.Operation),
		"ProcessId":       int64(evt.Pid),
		"ParentProcessId": int64(evt.Ppid),
		"ThreadId":        int64(evt.Tid),
		"Comm":            evt.CommString(),
	}

	switch cat {
	case types.CategoryFileSystem:
		fields["TargetFilename"] = evt.DetailString()

	case types.CategoryImage:
		path := evt.DetailString()
		fields["ImageLoaded"] = path
		if evt.Flags&tracer.FlagExec != 0 {
			fields["Image"] = path
		}

	case types.CategoryNetwork:
		if conn, err := network.ParseSockaddr(evt.Detail[:]); err == nil {
			if conn.Family == network.AFUnix {
				fields["DestinationPath"] = conn.Path
			} else {
				fields["DestinationIp"] = conn.IP.String()
				fields["DestinationPort"] = int64(conn.Port)
			}
		}

	case types.CategoryDns:
		if q, err := network.ParseDNSQuery(evt.Detail[:]); err == nil {
			fields["QueryName"] = q.QueryName
			fields["QueryType"] = network.DNSTypeString(q.QueryType)
		}

	case types.CategoryMemory:
		fields["RegionSize"] = int64(binary.LittleEndian.Uint64(evt.Detail[8:]))
		fields["Protection"] = int64(binary.LittleEndian.Uint32(evt.Detail[16:]))

	case types.CategoryProcess:
		switch evt.Operation {
		case types.ProcessInject:
			fields["TargetProcessId"] = int64(binary.LittleEndian.Uint32(evt.Detail[8:]))
		case types.ProcessTerminate:
			fields["ExitCode"] = int64(int32(binary.LittleEndian.Uint32(evt.Detail[0:])))
		}

	case types.CategorySecurity:
		fields["TargetUid"] = int64(binary.LittleEndian.Uint32(evt.Detail[0:]))
	}

	return fields
}
