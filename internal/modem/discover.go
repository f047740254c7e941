package modem

import (
	"cmp"
	"fmt"
	"slices"
	"strconv"
	"strings"

	udev "github.com/jochenvg/go-udev"
)

// vendorSimCom is the USB vendor ID shared by the supported modems.
const vendorSimCom = 0x1E0E

// productATInterface maps supported product IDs to the USB interface number
// that exposes the AT command function. The SIM7600 composite device
// enumerates several tty functions (diag, NMEA, AT, modem, audio); only one
// of them speaks AT.
var productATInterface = map[uint16]int{
	0x9001: 2,
	0x9011: 4,
	0x9025: 2,
}

// ttyPort is one tty device node belonging to the modem.
type ttyPort struct {
	Node string
	// Product is the USB product ID of the parent device.
	Product uint16
	// Interface is the USB interface number the tty belongs to, or -1 when
	// udev did not record one.
	Interface int
}

// DiscoverPort scans udev for a supported modem and returns the device path
// of its AT command port.
func DiscoverPort() (string, error) {
	u := udev.Udev{}
	e := u.NewEnumerate()
	if err := e.AddMatchSubsystem("tty"); err != nil {
		return "", fmt.Errorf("modem: udev match: %w", err)
	}
	devices, err := e.Devices()
	if err != nil {
		return "", fmt.Errorf("modem: udev enumerate: %w", err)
	}

	var ports []ttyPort
	for _, d := range devices {
		parent := d.ParentWithSubsystemDevtype("usb", "usb_device")
		if parent == nil {
			continue
		}
		vid, ok := parseHexID(parent.SysattrValue("idVendor"))
		if !ok || vid != vendorSimCom {
			continue
		}
		pid, ok := parseHexID(parent.SysattrValue("idProduct"))
		if !ok {
			continue
		}
		if _, supported := productATInterface[pid]; !supported {
			continue
		}
		node := d.Devnode()
		if node == "" {
			continue
		}
		ports = append(ports, ttyPort{
			Node:      node,
			Product:   pid,
			Interface: parseInterfaceNum(d.PropertyValue("ID_USB_INTERFACE_NUM")),
		})
	}
	return selectATPort(ports)
}

// selectATPort picks the AT function among the modem's tty nodes. It prefers
// the udev-reported USB interface number; on systems without that property
// it falls back to the position of the node in numeric tty order, which
// matches the interface order for these single-function-per-tty devices.
func selectATPort(ports []ttyPort) (string, error) {
	if len(ports) == 0 {
		return "", ErrDeviceNotFound
	}
	want := productATInterface[ports[0].Product]
	for _, p := range ports {
		if p.Interface == want {
			return p.Node, nil
		}
	}

	slices.SortFunc(ports, func(a, b ttyPort) int {
		return cmp.Compare(ttyIndex(a.Node), ttyIndex(b.Node))
	})
	if want < len(ports) {
		return ports[want].Node, nil
	}
	return "", fmt.Errorf("modem: AT interface %d not among %d tty ports: %w", want, len(ports), ErrDeviceNotFound)
}

// parseHexID parses a udev sysattr ID such as "1e0e".
func parseHexID(s string) (uint16, bool) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 16, 16)
	if err != nil {
		return 0, false
	}
	return uint16(v), true
}

// parseInterfaceNum parses ID_USB_INTERFACE_NUM values such as "02".
func parseInterfaceNum(s string) int {
	v, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return -1
	}
	return v
}

// ttyIndex extracts the trailing number of a device node such as
// /dev/ttyUSB3.
func ttyIndex(node string) int {
	i := len(node)
	for i > 0 && node[i-1] >= '0' && node[i-1] <= '9' {
		i--
	}
	if i == len(node) {
		return -1
	}
	v, err := strconv.Atoi(node[i:])
	if err != nil {
		return -1
	}
	return v
}
