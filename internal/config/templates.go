package config

import (
	"fmt"
	"os"
)

func Template() string {
	return captureTemplate
}

func WriteTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(captureTemplate), 0o600)
}

const captureTemplate = `address = "127.0.0.1"
port = 31318
port_range = 3
application_id = 0xB50F
password = ""
connect_timeout = "1s"
read_timeout = "250ms"
write_timeout = "5s"
reconnect = false
# metrics_addr = "127.0.0.1:9464"

[capture]
mode = ["default"]
sampling_frequency_hz = 1000
frame_limit = 0
time_limit_us = 0
spike_limit_us = 0
memory_limit_mb = 0

[log]
level = "info"
# file = "capturectl.log"
`
