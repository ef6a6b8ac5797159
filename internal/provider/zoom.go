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
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/oauth2"

	"github.com/execpilot/core/internal/apiclient"
	"github.com/execpilot/core/internal/config"
	"github.com/execpilot/core/internal/models"
)

const (
	zoomMaxPages = 5

	// maxTranscriptBytes bounds a single transcript download.
	maxTranscriptBytes = 4 << 20
)

// Zoom syncs recorded meetings together with their transcripts.
type Zoom struct {
	refreshingClient
	window time.Duration
}

// NewZoom creates the zoom adapter.
func NewZoom(pc config.ProviderConfig) *Zoom {
	c := newOAuthClient("zoom", pc, endpointDefaults{
		authURL:   "https://zoom.us/oauth/authorize",
		tokenURL:  "https://zoom.us/oauth/token",
		baseURL:   "https://api.zoom.us/v2",
		scopes:    []string{"recording:read", "meeting:read"},
		authStyle: oauth2.AuthStyleInHeader,
	})
	return &Zoom{
		refreshingClient: refreshingClient{c},
		window:           c.durationOption("window", 14*24*time.Hour),
	}
}

type zoomRecording struct {
	UUID           string `json:"uuid"`
	ID             int64  `json:"id"`
	Topic          string `json:"topic"`
	StartTime      string `json:"start_time"`
	Duration       int    `json:"duration"`
	ShareURL       string `json:"share_url"`
	RecordingFiles []struct {
		FileType    string `json:"file_type"`
		DownloadURL string `json:"download_url"`
		Status      string `json:"status"`
	} `json:"recording_files"`
}

func (r zoomRecording) transcriptURL() string {
	for _, f := range r.RecordingFiles {
		if f.FileType == "TRANSCRIPT" && f.DownloadURL != "" && (f.Status == "" || f.Status == "completed") {
			return f.DownloadURL
		}
	}
	return ""
}

func (r zoomRecording) toMeeting(tenantID string) (*models.Meeting, error) {
	if r.UUID == "" {
		return nil, fmt.Errorf("recording without uuid")
	}
	start, ok := parseTime(r.StartTime)
	if !ok {
		return nil, fmt.Errorf("recording %s: unparseable start_time", r.UUID)
	}
	m := &models.Meeting{
		TenantID:        tenantID,
		CalendarEventID: "zoom:" + r.UUID,
		Source:          "zoom",
		Title:           r.Topic,
		StartTime:       start,
		EndTime:         start.Add(time.Duration(r.Duration) * time.Minute),
		IsSelfOrganized: true,
		URL:             r.ShareURL,
	}
	if r.ID != 0 {
		m.ConferenceURL = "https://zoom.us/j/" + strconv.FormatInt(r.ID, 10)
	}
	return m, nil
}

// SyncData returns recorded meetings in the window. Transcripts are
// downloaded when available; a failed download leaves the transcript empty.
func (z *Zoom) SyncData(ctx context.Context, tenantID string, tok *oauth2.Token) (*models.SyncResult, error) {
	client := z.httpClient(ctx, tok)
	now := time.Now().UTC()

	params := url.Values{}
	params.Set("from", now.Add(-z.window).Format("2006-01-02"))
	params.Set("to", now.Format("2006-01-02"))
	params.Set("page_size", "30")

	var recordings []zoomRecording
	for page := 0; page < zoomMaxPages; page++ {
		var body struct {
			Meetings      []json.RawMessage `json:"meetings"`
			NextPageToken string            `json:"next_page_token"`
		}
		if err := apiclient.GetJSON(ctx, client, z.baseURL+"/users/me/recordings?"+params.Encode(), nil, &body); err != nil {
			return nil, fmt.Errorf("list recordings: %w", err)
		}
		apiclient.EachRecord(z.name, body.Meetings, func(r zoomRecording) error {
			recordings = append(recordings, r)
			return nil
		})
		if body.NextPageToken == "" {
			break
		}
		params.Set("next_page_token", body.NextPageToken)
	}

	result := &models.SyncResult{}
	var errs fetchErrors
	for _, r := range recordings {
		m, err := r.toMeeting(tenantID)
		if err != nil {
			slog.Warn("skipping unusable record", "provider", z.name, "error", err)
			continue
		}
		if u := r.transcriptURL(); u != "" {
			vtt, err := apiclient.GetText(ctx, client, u, maxTranscriptBytes)
			if errs.add("transcript "+r.UUID, err) {
				return nil, errs.err()
			}
			if err == nil {
				if text := vttToText(vtt); text != "" {
					m.Transcript = &text
				}
			}
		}
		result.Meetings = append(result.Meetings, *m)
	}
	return result, errs.err()
}
