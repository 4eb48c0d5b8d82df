//go:build linux

// Package alsa lists ALSA capture devices and what they can record by
// reading the kernel's /proc/asound tables. Rates and channel counts are
// only known for devices that publish a stream table, which USB audio does.
package alsa

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// CommonSampleRates are offered for devices that report a continuous range.
var CommonSampleRates = []int{8000, 11025, 16000, 22050, 32000, 44100, 48000, 88200, 96000, 176400, 192000}

// Device is one PCM capture device.
type Device struct {
	Card        int
	Device      int
	CardName    string
	Name        string
	Rates       []int
	MaxChannels int
}

// HW returns the ALSA hw device string, e.g. "hw:1,0".
func (d Device) HW() string {
	return fmt.Sprintf("hw:%d,%d", d.Card, d.Device)
}

var procRoot = "/proc/asound"

// ListDevices returns the capture devices of every sound card. A host
// without sound support yields an empty list.
func ListDevices() ([]Device, error) {
	return listIn(procRoot)
}

func listIn(root string) ([]Device, error) {
	pcm, err := os.Open(filepath.Join(root, "pcm"))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer pcm.Close()
	devices := parsePCM(pcm)

	cards := map[int]string{}
	if f, err := os.Open(filepath.Join(root, "cards")); err == nil {
		cards = parseCards(f)
		f.Close()
	}

	for i := range devices {
		d := &devices[i]
		d.CardName = cards[d.Card]
		stream := filepath.Join(root, fmt.Sprintf("card%d", d.Card), fmt.Sprintf("stream%d", d.Device))
		if f, err := os.Open(stream); err == nil {
			d.Rates, d.MaxChannels = parseStream(f)
			f.Close()
		}
	}
	return devices, nil
}

// parsePCM reads /proc/asound/pcm, lines like
// "01-00: USB Audio : USB Audio : capture 1", keeping capture devices.
func parsePCM(r io.Reader) []Device {
	var out []Device
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		fields := strings.Split(sc.Text(), ":")
		if len(fields) < 3 {
			continue
		}
		capture := false
		for _, f := range fields[3:] {
			if strings.HasPrefix(strings.TrimSpace(f), "capture") {
				capture = true
			}
		}
		if !capture {
			continue
		}
		card, dev, ok := strings.Cut(strings.TrimSpace(fields[0]), "-")
		if !ok {
			continue
		}
		c, err1 := strconv.Atoi(card)
		d, err2 := strconv.Atoi(dev)
		if err1 != nil || err2 != nil {
			continue
		}
		out = append(out, Device{Card: c, Device: d, Name: strings.TrimSpace(fields[2])})
	}
	return out
}

// parseCards reads /proc/asound/cards, where every card is a
// " 0 [PCH            ]: HDA-Intel - HDA Intel PCH" line followed by an
// indented long name.
func parseCards(r io.Reader) map[int]string {
	out := map[int]string{}
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		num, rest, ok := strings.Cut(line, " ")
		if !ok {
			continue
		}
		n, err := strconv.Atoi(num)
		if err != nil {
			continue
		}
		if _, name, ok := strings.Cut(rest, " - "); ok {
			out[n] = strings.TrimSpace(name)
		}
	}
	return out
}

// parseStream reads the Capture section of a USB stream table. Rates are
// either listed ("Rates: 16000, 48000") or a range
// ("Rates: 8000 - 48000 (continuous)").
func parseStream(r io.Reader) (rates []int, maxChannels int) {
	seen := map[int]bool{}
	inCapture := false
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		trimmed := strings.TrimSpace(line)
		if line != "" && line[0] != ' ' && line[0] != '\t' {
			inCapture = strings.HasPrefix(trimmed, "Capture:")
			continue
		}
		if !inCapture {
			continue
		}
		key, value, ok := strings.Cut(trimmed, ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch key {
		case "Channels":
			if n, err := strconv.Atoi(value); err == nil && n > maxChannels {
				maxChannels = n
			}
		case "Rates":
			for _, rate := range parseRates(value) {
				if !seen[rate] {
					seen[rate] = true
					rates = append(rates, rate)
				}
			}
		}
	}
	return rates, maxChannels
}

func parseRates(value string) []int {
	value, _, _ = strings.Cut(value, "(")
	if lo, hi, ok := strings.Cut(value, "-"); ok {
		from, err1 := strconv.Atoi(strings.TrimSpace(lo))
		to, err2 := strconv.Atoi(strings.TrimSpace(hi))
		if err1 != nil || err2 != nil {
			return nil
		}
		var out []int
		for _, r := range CommonSampleRates {
			if r >= from && r <= to {
				out = append(out, r)
			}
		}
		return out
	}
	var out []int
	for _, part := range strings.Split(value, ",") {
		if n, err := strconv.Atoi(strings.TrimSpace(part)); err == nil {
			out = append(out, n)
		}
	}
	return out
}
