package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseCategory(t *testing.T) {
	tests := []struct {
		name  string
		in    uint8
		want  Category
		valid bool
	}{
		{name: "first", in: 0, want: CategoryFileSystem, valid: true},
		{name: "process", in: 3, want: CategoryProcess, valid: true},
		{name: "last", in: 15, want: CategoryClr, valid: true},
		{name: "one past last", in: 16, valid: false},
		{name: "max byte", in: 255, valid: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseCategory(tt.in)
			assert.Equal(t, tt.valid, ok)
			if tt.valid {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestParseStatusFallsBackToError(t *testing.T) {
	s, ok := ParseStatus(uint8(StatusSuspicious))
	assert.True(t, ok)
	assert.Equal(t, StatusSuspicious, s)

	s, ok = ParseStatus(42)
	assert.False(t, ok)
	assert.Equal(t, StatusError, s)
}

func TestCategoryNames(t *testing.T) {
	assert.Len(t, Categories(), 16)
	for _, c := range Categories() {
		got, ok := CategoryByName(c.String())
		assert.True(t, ok, c.String())
		assert.Equal(t, c, got)
	}

	_, ok := CategoryByName("process")
	assert.False(t, ok, "names are case-sensitive")
	assert.Equal(t, "Category(200)", Category(200).String())
}

func TestOperationName(t *testing.T) {
	assert.Equal(t, "Create", OperationName(CategoryProcess, ProcessCreate))
	assert.Equal(t, "MethodJit", OperationName(CategoryClr, ClrMethodJit))
	assert.Equal(t, "op(9)", OperationName(CategoryImage, 9))
	assert.True(t, ValidOperation(CategoryDns, DnsFailure))
	assert.False(t, ValidOperation(CategoryDns, 3))

	e := Event{ID: 2, ParentID: 1, PID: 10, Category: CategoryFileSystem, Operation: FileWrite, Status: StatusDenied}
	assert.Equal(t, "#2 parent=1 pid=10 FileSystem/Write Denied", e.String())
}
