package driver

import (
	"strconv"
	"strings"
)

// parseDevices reads `adb devices -l` output. Lines look like:
//
//	emulator-5554          device product:sdk_gphone64 model:sdk_gphone64_x86_64 transport_id:1
//	192.168.1.50:5555      device model:Pixel_7 device:panther
func parseDevices(out []byte) []DeviceInfo {
	devices := []DeviceInfo{}
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "List of devices") || strings.HasPrefix(line, "*") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		info := DeviceInfo{
			UDID:           fields[0],
			State:          fields[1],
			ConnectionType: connectionTypeForUDID(fields[0]),
		}
		if _, portText, ok := strings.Cut(fields[0], ":"); ok {
			if port, err := strconv.Atoi(portText); err == nil {
				info.Port = port
			}
		}
		for _, extra := range fields[2:] {
			key, value, ok := strings.Cut(extra, ":")
			if !ok {
				continue
			}
			switch key {
			case "model":
				info.Model = strings.ReplaceAll(value, "_", " ")
			case "manufacturer":
				info.Manufacturer = value
			}
		}
		devices = append(devices, info)
	}
	return devices
}

func connectionTypeForUDID(udid string) string {
	if strings.Contains(udid, ":") {
		return ConnectionNetwork
	}
	return ConnectionUSB
}
