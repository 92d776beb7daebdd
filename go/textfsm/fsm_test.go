package textfsm

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const filldownTemplate = `Value Filldown INTERFACE (\S+)
Value STATUS (up|down|administratively down)
Value PROTOCOL (up|down)

Start
  ^${INTERFACE}\s+is\s+${STATUS}.* -> Continue
  ^.*line protocol is ${PROTOCOL} -> Record
`

func TestExecuteFilldownAcrossRecords(t *testing.T) {
	tmpl, err := Compile(filldownTemplate)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(`
GigabitEthernet0/1 is up, line protocol is up
  some other detail line
GigabitEthernet0/2 is administratively down, line protocol is down
`), "\n")

	rows, err := tmpl.Execute(lines)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	require.Equal(t, "GigabitEthernet0/1", rows[0].Fields["INTERFACE"])
	require.Equal(t, "up", rows[0].Fields["STATUS"])
	require.Equal(t, "up", rows[0].Fields["PROTOCOL"])

	require.Equal(t, "GigabitEthernet0/2", rows[1].Fields["INTERFACE"])
	require.Equal(t, "administratively down", rows[1].Fields["STATUS"])
	require.Equal(t, "down", rows[1].Fields["PROTOCOL"])
}

const listTemplate = `Value VRF (\S+)
Value List ROUTE (\S+)

Start
  ^VRF:\s+${VRF}
  ^\s+${ROUTE}\s*$
  ^\s*$ -> Record
`

func TestExecuteListAccumulatesWithinRecord(t *testing.T) {
	tmpl, err := Compile(listTemplate)
	require.NoError(t, err)

	lines := []string{
		"VRF: default",
		"  10.0.0.0/24",
		"  10.0.1.0/24",
		"",
	}
	rows, err := tmpl.Execute(lines)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "default", rows[0].Fields["VRF"])
	require.Equal(t, []string{"10.0.0.0/24", "10.0.1.0/24"}, rows[0].Fields["ROUTE"])
}

const requiredTemplate = `Value Required NAME (\S+)
Value AGE (\d+)

Start
  ^name:\s*${NAME} -> Continue
  ^name:.*
  ^age:\s*${AGE} -> Record
`

func TestExecuteRequiredSkipsIncompleteRecord(t *testing.T) {
	tmpl, err := Compile(requiredTemplate)
	require.NoError(t, err)

	lines := []string{
		"age: 10",
	}
	rows, err := tmpl.Execute(lines)
	require.NoError(t, err)
	require.Empty(t, rows)
}

const implicitEOFTemplate = `Value COUNTER (\d+)

Start
  ^counter\s*=\s*${COUNTER}
`

func TestExecuteImplicitFinalRecordAtEOF(t *testing.T) {
	tmpl, err := Compile(implicitEOFTemplate)
	require.NoError(t, err)

	rows, err := tmpl.Execute([]string{"counter = 42"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "42", rows[0].Fields["COUNTER"])
}

const errorTemplate = `Value LINE (.*)

Start
  ^FATAL ${LINE} -> Error "fatal error encountered"
`

func TestExecuteErrorLineOpAbortsParse(t *testing.T) {
	tmpl, err := Compile(errorTemplate)
	require.NoError(t, err)

	_, err = tmpl.Execute([]string{"FATAL disk full"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "fatal error encountered")
}

func TestCompileRejectsMissingStartState(t *testing.T) {
	_, err := Compile(`Value NAME (\S+)

NotStart
  ^${NAME}
`)
	require.Error(t, err)
}

func TestCompileRejectsUndeclaredStateTransition(t *testing.T) {
	_, err := Compile(`Value NAME (\S+)

Start
  ^${NAME} -> Nowhere
`)
	require.Error(t, err)
}

func TestCompileRejectsDuplicateValueNames(t *testing.T) {
	_, err := Compile(`Value NAME (\S+)
Value NAME (\S+)

Start
  ^${NAME}
`)
	require.Error(t, err)
}

func TestHeaderMatchesDeclarationOrder(t *testing.T) {
	tmpl, err := Compile(filldownTemplate)
	require.NoError(t, err)
	require.Equal(t, []string{"INTERFACE", "STATUS", "PROTOCOL"}, tmpl.Header())
}
