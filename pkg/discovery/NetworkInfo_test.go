package discovery_test

import (
	"net"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wostzone/iotcentral-go/pkg/discovery"
)

func TestGetNetworkInfo(t *testing.T) {
	logrus.Infof("--- TestGetNetworkInfo ---")
	infoList, err := discovery.GetNetworkInfo("")
	require.NoError(t, err)
	for _, info := range infoList {
		ip := net.ParseIP(info.IPAddress)
		require.NotNil(t, ip)
		assert.False(t, ip.IsLoopback())
		assert.NotEmpty(t, info.Interface)

		// filtering on the address returns its interface
		filtered, err := discovery.GetNetworkInfo(info.IPAddress)
		require.NoError(t, err)
		assert.Contains(t, filtered, info)
	}
}

func TestGetNetworkInfoNoMatch(t *testing.T) {
	logrus.Infof("--- TestGetNetworkInfoNoMatch ---")
	infoList, err := discovery.GetNetworkInfo("127.0.0.1")
	require.NoError(t, err)
	assert.Empty(t, infoList)
}

func TestGetOutboundInfo(t *testing.T) {
	logrus.Infof("--- TestGetOutboundInfo ---")
	info, err := discovery.GetOutboundInfo("127.0.0.1:443")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", info.IPAddress)

	_, err = discovery.GetOutboundInfo("notahostport")
	assert.Error(t, err)
}
