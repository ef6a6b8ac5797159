// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package provider

import (
	"net/mail"
	"strconv"
	"strings"
	"time"

	"github.com/execpilot/core/internal/models"
)

// parseTime accepts the timestamp shapes seen across provider APIs.
func parseTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05.000-0700",
		"2006-01-02T15:04:05Z0700",
		"2006-01-02",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// parseAddress parses an RFC 5322 address, keeping the raw value as the
// address when it does not parse.
func parseAddress(s string) models.EmailAddress {
	s = strings.TrimSpace(s)
	if s == "" {
		return models.EmailAddress{}
	}
	a, err := mail.ParseAddress(s)
	if err != nil {
		return models.EmailAddress{Address: strings.Trim(s, "<>")}
	}
	return models.EmailAddress{Address: a.Address, Name: a.Name}
}

func parseInt64(s string) (int64, error) {
	return strconv.ParseInt(strings.TrimSpace(s), 10, 64)
}

// parseSlackTS converts a Slack "1712345678.000200" timestamp.
func parseSlackTS(ts string) (time.Time, bool) {
	secs, frac, _ := strings.Cut(ts, ".")
	s, err := parseInt64(secs)
	if err != nil {
		return time.Time{}, false
	}
	var nanos int64
	if frac != "" {
		if len(frac) > 9 {
			frac = frac[:9]
		}
		frac += strings.Repeat("0", 9-len(frac))
		nanos, _ = parseInt64(frac)
	}
	return time.Unix(s, nanos).UTC(), true
}

// vttToText strips WebVTT framing (header, cue numbers, timings) from a
// transcript, leaving the spoken lines.
func vttToText(vtt string) string {
	var b strings.Builder
	for _, line := range strings.Split(strings.ReplaceAll(vtt, "\r\n", "\n"), "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "", strings.HasPrefix(line, "WEBVTT"), strings.HasPrefix(line, "NOTE"):
			continue
		case strings.Contains(line, "-->"):
			continue
		}
		if _, err := strconv.Atoi(line); err == nil {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(line)
	}
	return b.String()
}
