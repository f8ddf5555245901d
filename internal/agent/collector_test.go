package agent

import "testing"

func TestParseRouteTable(t *testing.T) {
	table := "Iface\tDestination\tGateway\tFlags\n" +
		"eth0\t0000A8C0\t00000000\t0001\n" +
		"eth0\t00000000\t0101A8C0\t0003\n"
	if gw := parseRouteTable(table); gw != "192.168.1.1" {
		t.Fatalf("gateway=%q want=192.168.1.1", gw)
	}
	if gw := parseRouteTable("Iface\tDestination\tGateway\n"); gw != "" {
		t.Fatalf("gateway=%q want empty", gw)
	}
}

func TestModeForInterface(t *testing.T) {
	cases := map[string]string{
		"eth0":   "eth",
		"enp3s0": "eth",
		"wlan0":  "wifi",
		"uap0":   "ap",
		"":       "unknown",
		"tun0":   "unknown",
	}
	for name, want := range cases {
		if got := modeForInterface(name); got != want {
			t.Errorf("mode(%q)=%q want=%q", name, got, want)
		}
	}
}
