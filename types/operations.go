package types

import "fmt"

// File system operations
const (
	FileCreate uint8 = iota
	FileDelete
	FileRead
	FileWrite
	FileRename
	FileSetAttributes
)

// Registry operations
const (
	RegistryCreateKey uint8 = iota
	RegistryDeleteKey
	RegistrySetValue
	RegistryDeleteValue
	RegistryQueryValue
)

// Network operations
const (
	NetConnect uint8 = iota
	NetListen
	NetSend
	NetReceive
	NetDnsQuery
)

// Process operations
const (
	ProcessCreate uint8 = iota
	ProcessTerminate
	ProcessInject
	ProcessLoadLibrary
)

// Scheduler operations
const (
	SchedulerCreateTask uint8 = iota
	SchedulerDeleteTask
	SchedulerModifyTask
	SchedulerRunTask
)

// Input operations
const (
	InputBlockKeyboard uint8 = iota
	InputBlockMouse
	InputInstallHook
)

// Image operations
const (
	ImageLoad uint8 = iota
	ImageUnload
)

// Thread operations
const (
	ThreadStart uint8 = iota
	ThreadEnd
	ThreadDCStart
	ThreadDCEnd
)

// Memory operations
const (
	MemoryAlloc uint8 = iota
	MemoryFree
	MemoryProtect
)

// Script operations
const (
	ScriptExecute uint8 = iota
	ScriptModule
)

// AMSI operations
const (
	AmsiScan uint8 = iota
	AmsiSession
)

// DNS operations
const (
	DnsQuery uint8 = iota
	DnsResponse
	DnsFailure
)

// Security operations
const (
	SecurityLogon uint8 = iota
	SecurityLogonFailed
	SecurityPrivilegeAdjust
	SecurityProcessCreate
	SecurityProcessTerminate
)

// Service operations
const (
	ServiceInstall uint8 = iota
	ServiceStart
	ServiceStop
	ServiceDelete
)

// WMI operations
const (
	WmiQuery uint8 = iota
	WmiExecMethod
	WmiSubscribe
	WmiConnect
)

// CLR operations
const (
	ClrAssemblyLoad uint8 = iota
	ClrAssemblyUnload
	ClrMethodJit
)

var operationNames = map[Category][]string{
	CategoryFileSystem: {"Create", "Delete", "Read", "Write", "Rename", "SetAttributes"},
	CategoryRegistry:   {"CreateKey", "DeleteKey", "SetValue", "DeleteValue", "QueryValue"},
	CategoryNetwork:    {"Connect", "Listen", "Send", "Receive", "DnsQuery"},
	CategoryProcess:    {"Create", "Terminate", "Inject", "LoadLibrary"},
	CategoryScheduler:  {"CreateTask", "DeleteTask", "ModifyTask", "RunTask"},
	CategoryInput:      {"BlockKeyboard", "BlockMouse", "InstallHook"},
	CategoryImage:      {"Load", "Unload"},
	CategoryThread:     {"Start", "End", "DCStart", "DCEnd"},
	CategoryMemory:     {"Alloc", "Free", "Protect"},
	CategoryScript:     {"Execute", "Module"},
	CategoryAmsi:       {"Scan", "Session"},
	CategoryDns:        {"Query", "Response", "Failure"},
	CategorySecurity:   {"Logon", "LogonFailed", "PrivilegeAdjust", "ProcessCreate", "ProcessTerminate"},
	CategoryService:    {"Install", "Start", "Stop", "Delete"},
	CategoryWmi:        {"Query", "ExecMethod", "Subscribe", "Connect"},
	CategoryClr:        {"AssemblyLoad", "AssemblyUnload", "MethodJit"},
}

// OperationName returns the name of op within cat, or "op(N)" when the
// opcode is not defined for the category.
func OperationName(cat Category, op uint8) string {
	names := operationNames[cat]
	if int(op) < len(names) {
		return names[op]
	}
	return fmt.Sprintf("op(%d)", op)
}

// ValidOperation reports whether op is defined for cat.
func ValidOperation(cat Category, op uint8) bool {
	return int(op) < len(operationNames[cat])
}
