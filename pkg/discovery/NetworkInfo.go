// Package discovery with network information the device reports about itself
package discovery

import (
	"net"

	"github.com/sirupsen/logrus"
)

// NetworkInfo of a network interface of the device
type NetworkInfo struct {
	Interface  string `json:"interface"`
	IPAddress  string `json:"ipAddress"`
	MacAddress string `json:"macAddress"`
}

// GetNetworkInfo returns the address of the active network interfaces, excluding loopback
//  address to only return the interface that serves the given IP address, "" for all
func GetNetworkInfo(address string) ([]NetworkInfo, error) {
	result := make([]NetworkInfo, 0)
	ip := net.ParseIP(address)

	ifaces, err := net.Interfaces()
	if err != nil {
		logrus.Errorf("GetNetworkInfo: unable to list interfaces: %s", err)
		return nil, err
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		// ignore interfaces without address
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ifNet, ok := a.(*net.IPNet)
			if !ok || ifNet.IP.IsLoopback() || ifNet.IP.To4() == nil {
				continue
			}
			if ip != nil && !ifNet.Contains(ip) {
				continue
			}
			logrus.Debugf("GetNetworkInfo: found network %s: %s [%s]", iface.Name, ifNet, iface.HardwareAddr)
			result = append(result, NetworkInfo{
				Interface:  iface.Name,
				IPAddress:  ifNet.IP.String(),
				MacAddress: iface.HardwareAddr.String(),
			})
		}
	}
	return result, nil
}

// GetOutboundInfo returns the network info of the interface used to reach the given host.
// No packets are sent, the OS route selection determines the local address.
//  host:port to reach, eg the provisioning endpoint with port 443
func GetOutboundInfo(hostPort string) (*NetworkInfo, error) {
	conn, err := net.Dial("udp", hostPort)
	if err != nil {
		logrus.Warningf("GetOutboundInfo: no route to '%s': %s", hostPort, err)
		return nil, err
	}
	localAddr := conn.LocalAddr().(*net.UDPAddr)
	conn.Close()

	infoList, err := GetNetworkInfo(localAddr.IP.String())
	if err != nil {
		return nil, err
	}
	if len(infoList) == 0 {
		// address without a matching interface, eg loopback
		return &NetworkInfo{IPAddress: localAddr.IP.String()}, nil
	}
	return &infoList[0], nil
}
