package web

import (
	"bufio"
	"net/http"
	"strconv"
	"strings"
)

// maxWaveformSignals caps how many signals the viewer payload carries.
const maxWaveformSignals = 20

// SignalSeries is one signal's value changes as parallel time/value
// arrays, values collapsed to integers for plotting (x/z read as 0).
type SignalSeries struct {
	Name     string   `json:"name"`
	FullName string   `json:"full_name"`
	Times    []uint64 `json:"times"`
	Values   []uint64 `json:"values"`
}

// WaveformResponse is the parsed VCD payload for the waveform viewer.
type WaveformResponse struct {
	Filename string         `json:"filename"`
	EndTime  uint64         `json:"endtime"`
	Signals  []SignalSeries `json:"signals"`
}

func (h *Handler) workspaceWaveform(w http.ResponseWriter, sessionID, filename string) {
	content, err := h.readRel(sessionID, filename)
	if err != nil {
		h.error(w, err)
		return
	}
	resp, err := parseVCDSeries(filename, content)
	if err != nil {
		h.jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.json(w, http.StatusOK, resp)
}

type vcdSignal struct {
	series *SignalSeries
}

// parseVCDSeries reads a whole VCD dump into per-signal time series.
func parseVCDSeries(filename, content string) (*WaveformResponse, error) {
	// Capacity is fixed up front: byCode keeps pointers into the slice,
	// so it must never reallocate.
	resp := &WaveformResponse{Filename: filename, Signals: make([]SignalSeries, 0, maxWaveformSignals)}

	byCode := make(map[string]*vcdSignal)
	var scopes []string
	var now uint64

	scanner := bufio.NewScanner(strings.NewReader(content))
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	inHeader := true

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if inHeader {
			switch {
			case strings.HasPrefix(line, "$scope"):
				parts := strings.Fields(line)
				if len(parts) >= 3 {
					scopes = append(scopes, parts[2])
				}
			case strings.HasPrefix(line, "$upscope"):
				if len(scopes) > 0 {
					scopes = scopes[:len(scopes)-1]
				}
			case strings.HasPrefix(line, "$var"):
				// $var wire 4 " count $end
				parts := strings.Fields(line)
				if len(parts) < 5 {
					continue
				}
				code, ref := parts[3], parts[4]
				full := ref
				if len(scopes) > 0 {
					full = strings.Join(scopes, ".") + "." + ref
				}
				if _, seen := byCode[code]; seen {
					continue
				}
				if len(resp.Signals) >= maxWaveformSignals {
					continue
				}
				resp.Signals = append(resp.Signals, SignalSeries{
					Name:     ref,
					FullName: full,
					Times:    []uint64{},
					Values:   []uint64{},
				})
				byCode[code] = &vcdSignal{series: &resp.Signals[len(resp.Signals)-1]}
			case strings.HasPrefix(line, "$enddefinitions"):
				inHeader = false
			}
			continue
		}

		switch {
		case strings.HasPrefix(line, "#"):
			t, err := strconv.ParseUint(line[1:], 10, 64)
			if err == nil {
				now = t
				if t > resp.EndTime {
					resp.EndTime = t
				}
			}
		case strings.HasPrefix(line, "b") || strings.HasPrefix(line, "B"):
			// b0101 <code>
			bits, code, ok := strings.Cut(line[1:], " ")
			if !ok {
				continue
			}
			record(byCode, code, now, vectorValue(bits))
		case len(line) >= 2:
			// <0|1|x|z><code>
			record(byCode, line[1:], now, scalarValue(line[0]))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return resp, nil
}

func record(byCode map[string]*vcdSignal, code string, t, v uint64) {
	sig, ok := byCode[code]
	if !ok {
		return
	}
	sig.series.Times = append(sig.series.Times, t)
	sig.series.Values = append(sig.series.Values, v)
}

// vectorValue reads a binary vector, treating x and z bits as 0.
func vectorValue(bits string) uint64 {
	var v uint64
	for _, b := range bits {
		v <<= 1
		if b == '1' {
			v |= 1
		}
	}
	return v
}

func scalarValue(b byte) uint64 {
	if b == '1' {
		return 1
	}
	return 0
}
