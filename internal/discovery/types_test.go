package discovery

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    Status
		wantErr bool
	}{
		{in: "UP", want: StatusUp},
		{in: "up", want: StatusUp},
		{in: " out_of_service ", want: StatusOutOfService},
		{in: "DOWN", want: StatusDown},
		{in: "STARTING", want: StatusStarting},
		{in: "UNKNOWN", want: StatusUnknown},
		{in: "", wantErr: true},
		{in: "SLEEPING", wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			t.Parallel()
			got, err := ParseStatus(tc.in)
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrInvalidStatus)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestInstanceURI(t *testing.T) {
	t.Parallel()

	plain := Instance{Host: "10.0.0.5", Port: 8080}
	assert.Equal(t, "10.0.0.5:8080", plain.Addr())
	assert.Equal(t, "http://10.0.0.5:8080", plain.URI())

	secure := Instance{Host: "api.internal", Port: 8443, Secure: true}
	assert.Equal(t, "https://api.internal:8443", secure.URI())

	v6 := Instance{Host: "::1", Port: 80}
	assert.Equal(t, "http://[::1]:80", v6.URI())
}

func TestDefaultInstanceID(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "host-a:orders:8080", DefaultInstanceID("host-a", "orders", 8080))
}

func TestFirstIPv4(t *testing.T) {
	t.Parallel()

	mustCIDR := func(s string) net.Addr {
		ip, ipnet, err := net.ParseCIDR(s)
		require.NoError(t, err)
		ipnet.IP = ip
		return ipnet
	}

	addrs := []net.Addr{
		mustCIDR("127.0.0.1/8"),
		mustCIDR("fe80::1/64"),
		mustCIDR("192.168.1.20/24"),
		mustCIDR("10.0.0.2/8"),
	}
	assert.Equal(t, "192.168.1.20", firstIPv4(addrs))
	assert.Empty(t, firstIPv4([]net.Addr{mustCIDR("127.0.0.1/8")}))
}

func TestResolveHost(t *testing.T) {
	t.Parallel()

	host, err := ResolveHost(false)
	require.NoError(t, err)
	assert.NotEmpty(t, host)

	ip, err := ResolveHost(true)
	require.NoError(t, err)
	assert.NotNil(t, net.ParseIP(ip))
}
