package types

import "fmt"

// Category is the top-level classification of a captured event.
type Category uint8

const (
	CategoryFileSystem Category = iota
	CategoryRegistry
	CategoryNetwork
	CategoryProcess
	CategoryScheduler
	CategoryInput
	CategoryImage
	CategoryThread
	CategoryMemory
	CategoryScript
	CategoryAmsi
	CategoryDns
	CategorySecurity
	CategoryService
	CategoryWmi
	CategoryClr

	categoryCount
)

var categoryNames = [...]string{
	CategoryFileSystem: "FileSystem",
	CategoryRegistry:   "Registry",
	CategoryNetwork:    "Network",
	CategoryProcess:    "Process",
	CategoryScheduler:  "Scheduler",
	CategoryInput:      "Input",
	CategoryImage:      "Image",
	CategoryThread:     "Thread",
	CategoryMemory:     "Memory",
	CategoryScript:     "Script",
	CategoryAmsi:       "Amsi",
	CategoryDns:        "Dns",
	CategorySecurity:   "Security",
	CategoryService:    "Service",
	CategoryWmi:        "Wmi",
	CategoryClr:        "Clr",
}

// ParseCategory validates a category byte received from the tracer.
func ParseCategory(b uint8) (Category, bool) {
	if b >= uint8(categoryCount) {
		return 0, false
	}
	return Category(b), true
}

// CategoryByName resolves a case-sensitive category name such as "Process".
func CategoryByName(name string) (Category, bool) {
	for i, n := range categoryNames {
		if n == name {
			return Category(i), true
		}
	}
	return 0, false
}

// Categories returns every valid category in declaration order.
func Categories() []Category {
	out := make([]Category, 0, categoryCount)
	for c := Category(0); c < categoryCount; c++ {
		out = append(out, c)
	}
	return out
}

func (c Category) Valid() bool { return c < categoryCount }

func (c Category) String() string {
	if !c.Valid() {
		return fmt.Sprintf("Category(%d)", uint8(c))
	}
	return categoryNames[c]
}

// Status is the outcome of the traced operation.
type Status uint8

const (
	StatusSuccess Status = iota
	StatusDenied
	StatusPending
	StatusError
	StatusSuspicious

	statusCount
)

var statusNames = [...]string{
	StatusSuccess:    "Success",
	StatusDenied:     "Denied",
	StatusPending:    "Pending",
	StatusError:      "Error",
	StatusSuspicious: "Suspicious",
}

// ParseStatus validates a status byte. Out-of-range values fall back to
// StatusError and report false.
func ParseStatus(b uint8) (Status, bool) {
	if b >= uint8(statusCount) {
		return StatusError, false
	}
	return Status(b), true
}

func (s Status) Valid() bool { return s < statusCount }

func (s Status) String() string {
	if !s.Valid() {
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
	return statusNames[s]
}

// Event is one committed record of the event graph. It is a plain value;
// copies never alias graph storage.
type Event struct {
	ID            uint64
	ParentID      uint64 // 0 for root events
	Timestamp     uint64 // ns since session start
	PID           uint32
	CorrelationID uint32
	Category      Category
	Status        Status
	Operation     uint8
}

// OperationName returns the display name of the event's category-scoped opcode.
func (e Event) OperationName() string {
	return OperationName(e.Category, e.Operation)
}

func (e Event) String() string {
	return fmt.Sprintf("#%d parent=%d pid=%d %s/%s %s",
		e.ID, e.ParentID, e.PID, e.Category, e.OperationName(), e.Status)
}
