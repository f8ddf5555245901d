package agent

import (
	"fmt"
	"net"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/vesaa/smartsensors/internal/telemetry"
)

// Link reports the node's network state. Establishing the link and falling
// back between Ethernet, Wi-Fi and AP mode is the platform's job; the node
// only observes it.
type Link interface {
	LinkReady() bool
	LocalIP() string
	Mode() string // eth | wifi | ap | unknown
}

// HostLink observes the host's interfaces.
type HostLink struct{}

func (HostLink) LinkReady() bool { return localIP() != "" }

// LocalIP returns the primary address, or telemetry.UnknownIP when there is none.
func (HostLink) LocalIP() string {
	if ip := localIP(); ip != "" {
		return ip
	}
	return telemetry.UnknownIP
}

func (HostLink) Mode() string {
	name, _ := primaryInterface()
	return modeForInterface(name)
}

// DeviceInfo is a host snapshot for the dashboard.
type DeviceInfo struct {
	Hostname    string    `json:"hostname"`
	OS          string    `json:"os"`
	LocalIP     string    `json:"local_ip"`
	GatewayIP   string    `json:"gateway_ip"`
	NetworkMode string    `json:"network_mode"`
	HostUptime  uint64    `json:"host_uptime_s"`
	CPUUsage    float64   `json:"cpu_usage"`
	MemUsage    float64   `json:"mem_usage"`
	MemFreeMB   uint64    `json:"mem_free_mb"`
	DiskUsage   float64   `json:"disk_usage"`
	CollectedAt time.Time `json:"collected_at"`
}

// CollectDevice gathers the host snapshot. Missing values are left zero.
func CollectDevice() DeviceInfo {
	info := DeviceInfo{
		OS:          detailedOS(),
		LocalIP:     localIP(),
		GatewayIP:   defaultGateway(),
		CollectedAt: time.Now(),
	}
	if h, err := os.Hostname(); err == nil {
		info.Hostname = h
	}
	name, _ := primaryInterface()
	info.NetworkMode = modeForInterface(name)

	if up, err := host.Uptime(); err == nil {
		info.HostUptime = up
	}
	if pcts, err := cpu.Percent(200*time.Millisecond, false); err == nil && len(pcts) > 0 {
		info.CPUUsage = pcts[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		info.MemUsage = vm.UsedPercent
		info.MemFreeMB = vm.Available / (1024 * 1024)
	}
	if usage, err := disk.Usage("/"); err == nil {
		info.DiskUsage = usage.UsedPercent
	}
	return info
}

// detailedOS returns a descriptive OS version string, or runtime.GOOS as fallback.
func detailedOS() string {
	info, err := host.Info()
	if err == nil && info.Platform != "" {
		if info.PlatformVersion != "" {
			return fmt.Sprintf("%s %s", info.Platform, info.PlatformVersion) // e.g., "raspbian 12"
		}
		return info.Platform
	}
	return runtime.GOOS
}

// primaryInterface returns the first up, non-loopback interface holding an
// IPv4 address, with that address.
func primaryInterface() (string, net.IP) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "", nil
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, _ := iface.Addrs()
		for _, addr := range addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			if ip != nil && ip.To4() != nil && !ip.IsLoopback() {
				return iface.Name, ip
			}
		}
	}
	return "", nil
}

// localIP returns the first non-loopback IPv4 address.
func localIP() string {
	_, ip := primaryInterface()
	if ip == nil {
		return ""
	}
	return ip.String()
}

// modeForInterface classifies an interface by its kernel name.
func modeForInterface(name string) string {
	switch {
	case name == "":
		return "unknown"
	case strings.HasPrefix(name, "eth"), strings.HasPrefix(name, "en"):
		return "eth"
	case strings.HasPrefix(name, "uap"), strings.HasPrefix(name, "ap"):
		return "ap"
	case strings.HasPrefix(name, "wl"):
		return "wifi"
	}
	return "unknown"
}

// defaultGateway reads the default gateway from /proc/net/route on Linux.
// Other platforms report none.
func defaultGateway() string {
	if runtime.GOOS != "linux" {
		return ""
	}
	data, err := os.ReadFile("/proc/net/route")
	if err != nil {
		return ""
	}
	return parseRouteTable(string(data))
}

func parseRouteTable(table string) string {
	lines := strings.Split(table, "\n")
	if len(lines) < 2 {
		return ""
	}
	for _, line := range lines[1:] { // skip header
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		// Destination = 00000000 means default route
		if fields[1] != "00000000" {
			continue
		}
		// Gateway is in hex little-endian
		gwHex := fields[2]
		if len(gwHex) != 8 {
			continue
		}
		var b [4]byte
		for i := 0; i < 4; i++ {
			fmt.Sscanf(gwHex[i*2:i*2+2], "%02x", &b[3-i])
		}
		return fmt.Sprintf("%d.%d.%d.%d", b[0], b[1], b[2], b[3])
	}
	return ""
}
