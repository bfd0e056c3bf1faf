package subtitle

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var ErrUnsupportedFormat = errors.New("unsupported subtitle format")

const vttHeader = "WEBVTT"

var (
	srtTimingRe   = regexp.MustCompile(`^\s*(\d{1,2}):(\d{2}):(\d{2})[,.](\d{1,3})\s*-->\s*(\d{1,2}):(\d{2}):(\d{2})[,.](\d{1,3})(.*)$`)
	assOverrideRe = regexp.MustCompile(`\{[^}]*\}`)
	microDVDRe    = regexp.MustCompile(`^\{(\d+)\}\{(\d+)\}(.*)$`)
)

// Formats that can be delivered as WebVTT.
var convertible = map[string]struct{}{
	"srt": {},
	"vtt": {},
	"ass": {},
	"ssa": {},
	"sub": {},
}

// Supported reports whether format (a file extension with or without the
// dot) can be converted.
func Supported(format string) bool {
	_, ok := convertible[normalizeFormat(format)]
	return ok
}

// FormatFromPath returns the lowercase extension of path without the dot.
func FormatFromPath(path string) string {
	idx := strings.LastIndexByte(path, '.')
	if idx < 0 || idx == len(path)-1 {
		return ""
	}
	return strings.ToLower(path[idx+1:])
}

func normalizeFormat(format string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(format)), ".")
}

// ToWebVTT decodes data to UTF-8 and converts it from format to WebVTT.
func ToWebVTT(data []byte, format string) ([]byte, error) {
	text := DecodeText(data)
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	switch f := normalizeFormat(format); f {
	case "vtt":
		if !strings.HasPrefix(strings.TrimSpace(text), vttHeader) {
			return []byte(vttHeader + "\n\n" + text), nil
		}
		return []byte(text), nil
	case "srt":
		return srtToVTT(text), nil
	case "ass", "ssa":
		return assToVTT(text)
	case "sub":
		return microDVDToVTT(text)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, f)
	}
}

func srtToVTT(text string) []byte {
	var out bytes.Buffer
	out.WriteString(vttHeader + "\n\n")

	lines := strings.Split(text, "\n")
	for i := 0; i < len(lines); i++ {
		line := lines[i]
		if m := srtTimingRe.FindStringSubmatch(line); m != nil {
			out.WriteString(vttTimestamp(m[1], m[2], m[3], m[4]))
			out.WriteString(" --> ")
			out.WriteString(vttTimestamp(m[5], m[6], m[7], m[8]))
			out.WriteByte('\n')
			continue
		}
		// Numeric cue counters directly before a timing line are dropped.
		if isCueCounter(line) && i+1 < len(lines) && srtTimingRe.MatchString(lines[i+1]) {
			continue
		}
		out.WriteString(line)
		out.WriteByte('\n')
	}
	return out.Bytes()
}

func isCueCounter(line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	_, err := strconv.Atoi(line)
	return err == nil
}

func vttTimestamp(h, m, s, frac string) string {
	hours, _ := strconv.Atoi(h)
	for len(frac) < 3 {
		frac += "0"
	}
	return fmt.Sprintf("%02d:%s:%s.%s", hours, m, s, frac)
}

// assToVTT keeps the Dialogue lines of the [Events] section.
func assToVTT(text string) ([]byte, error) {
	var out bytes.Buffer
	out.WriteString(vttHeader + "\n\n")

	startIdx, endIdx, textIdx, fields := 1, 2, 9, 10
	inEvents := false
	cues := 0

	scanner := bufio.NewScanner(strings.NewReader(text))
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "[") {
			inEvents = strings.EqualFold(line, "[Events]")
			continue
		}
		if !inEvents {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		switch strings.TrimSpace(key) {
		case "Format":
			cols := strings.Split(value, ",")
			fields = len(cols)
			for i, col := range cols {
				switch strings.ToLower(strings.TrimSpace(col)) {
				case "start":
					startIdx = i
				case "end":
					endIdx = i
				case "text":
					textIdx = i
				}
			}
		case "Dialogue":
			parts := strings.SplitN(value, ",", fields)
			if len(parts) <= textIdx || len(parts) <= startIdx || len(parts) <= endIdx {
				continue
			}
			start, ok1 := assTimestamp(parts[startIdx])
			end, ok2 := assTimestamp(parts[endIdx])
			if !ok1 || !ok2 {
				continue
			}
			body := assOverrideRe.ReplaceAllString(parts[textIdx], "")
			body = strings.NewReplacer(`\N`, "\n", `\n`, "\n", `\h`, " ").Replace(body)
			body = strings.TrimSpace(body)
			if body == "" {
				continue
			}
			fmt.Fprintf(&out, "%s --> %s\n%s\n\n", start, end, body)
			cues++
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if cues == 0 {
		return nil, fmt.Errorf("%w: no dialogue events", ErrUnsupportedFormat)
	}
	return out.Bytes(), nil
}

// assTimestamp converts H:MM:SS.cc to HH:MM:SS.mmm.
func assTimestamp(raw string) (string, bool) {
	parts := strings.Split(strings.TrimSpace(raw), ":")
	if len(parts) != 3 {
		return "", false
	}
	hours, err := strconv.Atoi(parts[0])
	if err != nil {
		return "", false
	}
	secs, err := strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return "", false
	}
	mins, err := strconv.Atoi(parts[1])
	if err != nil {
		return "", false
	}
	ms := int(secs*1000 + 0.5)
	return fmt.Sprintf("%02d:%02d:%02d.%03d", hours, mins, ms/1000, ms%1000), true
}

const defaultMicroDVDFPS = 23.976

// microDVDToVTT converts frame-based {start}{end}text lines. A first cue of
// {1}{1}<fps> carries the frame rate.
func microDVDToVTT(text string) ([]byte, error) {
	var out bytes.Buffer
	out.WriteString(vttHeader + "\n\n")

	fps := defaultMicroDVDFPS
	cues := 0
	for i, line := range strings.Split(text, "\n") {
		m := microDVDRe.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		startFrame, _ := strconv.Atoi(m[1])
		endFrame, _ := strconv.Atoi(m[2])
		if i == 0 && startFrame == endFrame && startFrame <= 1 {
			if v, err := strconv.ParseFloat(strings.TrimSpace(m[3]), 64); err == nil && v > 0 {
				fps = v
				continue
			}
		}
		body := assOverrideRe.ReplaceAllString(m[3], "")
		body = strings.ReplaceAll(body, "|", "\n")
		fmt.Fprintf(&out, "%s --> %s\n%s\n\n",
			frameTimestamp(startFrame, fps), frameTimestamp(endFrame, fps), strings.TrimSpace(body))
		cues++
	}
	if cues == 0 {
		return nil, fmt.Errorf("%w: no MicroDVD cues", ErrUnsupportedFormat)
	}
	return out.Bytes(), nil
}

func frameTimestamp(frame int, fps float64) string {
	ms := int(float64(frame)/fps*1000 + 0.5)
	return fmt.Sprintf("%02d:%02d:%02d.%03d", ms/3600000, ms/60000%60, ms/1000%60, ms%1000)
}

// Sniff guesses the format of a subtitle payload of unknown type.
func Sniff(data []byte) string {
	head := strings.TrimSpace(DecodeText(data[:min(len(data), 4096)]))
	switch {
	case strings.HasPrefix(head, vttHeader):
		return "vtt"
	case strings.Contains(head, "[Script Info]") || strings.Contains(head, "[Events]"):
		return "ass"
	case microDVDRe.MatchString(strings.SplitN(head, "\n", 2)[0]):
		return "sub"
	default:
		return "srt"
	}
}
