package vendordriver

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/netsshio/netsshd/go/session"
)

// scriptedTransport returns one fixed chunk per Read call; once exhausted it
// blocks until the deadline, mimicking an idle device.
type scriptedTransport struct {
	chunks [][]byte
	idx    int
}

func (f *scriptedTransport) Read(buf []byte, deadline time.Time) (int, error) {
	if f.idx >= len(f.chunks) {
		time.Sleep(time.Until(deadline))
		return 0, nil
	}
	c := f.chunks[f.idx]
	f.idx++
	return copy(buf, c), nil
}

func (f *scriptedTransport) Write(b []byte) (int, error) { return len(b), nil }

func newTestDriver(strategy Strategy, chunks [][]byte) *Driver {
	transport := &scriptedTransport{chunks: chunks}
	sess := session.New(transport, session.Normalization{
		StripANSI:    strategy.StripANSI,
		ExtendedCRLF: strategy.ExtendedCRLF,
	}, nil, nil, 0)

	return &Driver{
		strategy: strategy,
		timeouts: Timeouts{CommandTimeout: 2 * time.Second, PatternTimeout: 2 * time.Second},
		session:  sess,
		state:    CliReady,
	}
}

func TestEnableEscalatesToPrivileged(t *testing.T) {
	strategy := Registry["cisco_ios"]
	d := newTestDriver(strategy, [][]byte{[]byte("enable\nPassword: "), []byte("secret\nRouter#")})

	require.NoError(t, d.Enable())
	require.Equal(t, Privileged, d.State())
}

func TestConfigModeRequiresPrivileged(t *testing.T) {
	strategy := Registry["cisco_ios"]
	d := newTestDriver(strategy, nil)

	err := d.ConfigModeEnter()
	require.Error(t, err)
}

func TestConfigModeRoundTrip(t *testing.T) {
	strategy := Registry["cisco_ios"]
	d := newTestDriver(strategy, [][]byte{
		[]byte("configure terminal\nRouter(config)#"),
		[]byte("end\nRouter#"),
	})
	d.state = Privileged

	require.NoError(t, d.ConfigModeEnter())
	require.Equal(t, ConfigMode, d.State())
	require.True(t, d.CheckConfigMode())

	require.NoError(t, d.ConfigModeExit())
	require.Equal(t, Privileged, d.State())
}

func TestSendCommandDetectsVendorError(t *testing.T) {
	strategy := Registry["cisco_asa"]
	d := newTestDriver(strategy, [][]byte{[]byte("show bogus\n% Invalid input detected\nCiscoASA#")})
	d.state = Privileged

	_, err := d.SendCommand("show bogus")
	require.Error(t, err)
}

func TestResolveAliasRewritesKnownAliases(t *testing.T) {
	require.Equal(t, "cisco_wlc", ResolveAlias("cisco_wlc_85"))
	require.Equal(t, "cisco_xr", ResolveAlias("cisco_xr_2"))
	require.Equal(t, "cisco_ios", ResolveAlias("cisco_ios"))
}

func TestForDeviceTypeResolvesThroughAlias(t *testing.T) {
	s, ok := ForDeviceType("cisco_wlc_85")
	require.True(t, ok)
	require.Equal(t, "cisco_wlc", s.DeviceType)
}
