//go:build linux

package audio

import "github.com/smazurov/camnode/pkg/linuxav/alsa"

type alsaDetector struct{}

func newPlatformDetector() Detector {
	return alsaDetector{}
}

// ListDevices enumerates ALSA capture devices.
func (alsaDetector) ListDevices() ([]Device, error) {
	found, err := alsa.ListDevices()
	if err != nil {
		return nil, err
	}
	devices := make([]Device, 0, len(found))
	for _, d := range found {
		name := d.Name
		if d.CardName != "" {
			name = d.CardName + ": " + d.Name
		}
		devices = append(devices, Device{
			ID:          d.HW(),
			Name:        name,
			SampleRates: d.Rates,
			MaxChannels: d.MaxChannels,
		})
	}
	return devices, nil
}
