package browse

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseServicePath(t *testing.T) {
	service, domain, err := parseServicePath("_http._tcp.local")
	require.NoError(t, err)
	assert.Equal(t, "_http._tcp", service)
	assert.Equal(t, "local.", domain)
}

func TestParseServicePathRejectsMalformed(t *testing.T) {
	_, _, err := parseServicePath("noseparator")
	assert.Error(t, err)

	_, _, err = parseServicePath("")
	assert.Error(t, err)
}

func TestExpandCIDRSingleHost(t *testing.T) {
	hosts, err := expandCIDR("192.168.1.5")
	require.NoError(t, err)
	assert.Equal(t, []string{"192.168.1.5"}, hosts)
}

func TestExpandCIDRRange(t *testing.T) {
	hosts, err := expandCIDR("192.168.1.0/30")
	require.NoError(t, err)
	assert.Len(t, hosts, 4)
	assert.Contains(t, hosts, "192.168.1.0")
	assert.Contains(t, hosts, "192.168.1.3")
}

func TestExpandCIDRRejectsOversizedRange(t *testing.T) {
	_, err := expandCIDR("10.0.0.0/8")
	assert.Error(t, err)
}

func TestIncIPWraps(t *testing.T) {
	ip := net.ParseIP("192.168.1.255").To4()
	incIP(ip)
	assert.Equal(t, "192.168.2.0", ip.String())
}
