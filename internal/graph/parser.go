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

package graph

import (
	"errors"
	"strings"
	"time"

	"github.com/execpilot/core/internal/models"
)

type emailAddress struct {
	Address string `json:"address"`
	Name    string `json:"name"`
}

type recipient struct {
	EmailAddress emailAddress `json:"emailAddress"`
}

// graphMessage represents the relevant fields from a Graph API message response.
type graphMessage struct {
	ID                     string      `json:"id"`
	ConversationID         string      `json:"conversationId"`
	Subject                string      `json:"subject"`
	From                   recipient   `json:"from"`
	ToRecipients           []recipient `json:"toRecipients"`
	BodyPreview            string      `json:"bodyPreview"`
	ReceivedDateTime       string      `json:"receivedDateTime"`
	IsRead                 bool        `json:"isRead"`
	WebLink                string      `json:"webLink"`
	InternetMessageHeaders []struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	} `json:"internetMessageHeaders"`
}

// toEmail converts a Graph API message into a normalized Email.
func (msg graphMessage) toEmail() (models.Email, error) {
	if msg.ID == "" {
		return models.Email{}, errors.New("message without id")
	}

	headers := make(map[string]string, len(msg.InternetMessageHeaders))
	for _, h := range msg.InternetMessageHeaders {
		headers[h.Name] = h.Value
	}

	to := make([]models.EmailAddress, 0, len(msg.ToRecipients))
	for _, r := range msg.ToRecipients {
		to = append(to, models.EmailAddress{
			Address: r.EmailAddress.Address,
			Name:    r.EmailAddress.Name,
		})
	}

	received, _ := time.Parse(time.RFC3339, msg.ReceivedDateTime)

	return models.Email{
		MessageID: msg.ID,
		ThreadID:  msg.ConversationID,
		From: models.EmailAddress{
			Address: msg.From.EmailAddress.Address,
			Name:    msg.From.EmailAddress.Name,
		},
		To:         to,
		Subject:    msg.Subject,
		Snippet:    msg.BodyPreview,
		ReceivedAt: received,
		Unread:     !msg.IsRead,
		Headers:    headers,
		URL:        msg.WebLink,
	}, nil
}

type graphDateTime struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

// parse interprets a Graph dateTime. calendarView returns UTC values without
// an offset unless a Prefer: outlook.timezone header is sent.
func (d graphDateTime) parse() (time.Time, error) {
	loc := time.UTC
	if d.TimeZone != "" && !strings.EqualFold(d.TimeZone, "UTC") {
		if l, err := time.LoadLocation(d.TimeZone); err == nil {
			loc = l
		}
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.0000000", "2006-01-02T15:04:05"} {
		if t, err := time.ParseInLocation(layout, d.DateTime, loc); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, errors.New("unparseable dateTime " + d.DateTime)
}

// graphEvent represents the relevant fields of a Graph calendar event.
type graphEvent struct {
	ID          string        `json:"id"`
	Subject     string        `json:"subject"`
	BodyPreview string        `json:"bodyPreview"`
	Start       graphDateTime `json:"start"`
	End         graphDateTime `json:"end"`
	Attendees   []struct {
		EmailAddress emailAddress `json:"emailAddress"`
		Status       struct {
			Response string `json:"response"`
		} `json:"status"`
	} `json:"attendees"`
	Organizer       recipient `json:"organizer"`
	IsOrganizer     *bool     `json:"isOrganizer"`
	IsOnlineMeeting bool      `json:"isOnlineMeeting"`
	OnlineMeeting   *struct {
		JoinURL string `json:"joinUrl"`
	} `json:"onlineMeeting"`
	WebLink     string `json:"webLink"`
	ChangeKey   string `json:"changeKey"`
	IsCancelled bool   `json:"isCancelled"`
}

// toMeeting converts a Graph event into a Meeting. Cancelled events yield nil.
func (ev graphEvent) toMeeting(tenantID string) (*models.Meeting, error) {
	if ev.ID == "" {
		return nil, errors.New("event without id")
	}
	if ev.IsCancelled {
		return nil, nil
	}

	start, err := ev.Start.parse()
	if err != nil {
		return nil, err
	}
	end, err := ev.End.parse()
	if err != nil {
		end = start
	}

	attendees := make([]models.Attendee, 0, len(ev.Attendees))
	for _, a := range ev.Attendees {
		attendees = append(attendees, models.Attendee{
			Email:    a.EmailAddress.Address,
			Name:     a.EmailAddress.Name,
			Response: a.Status.Response,
		})
	}

	selfOrganized := true
	if ev.IsOrganizer != nil {
		selfOrganized = *ev.IsOrganizer
	}

	conference := ""
	if ev.OnlineMeeting != nil {
		conference = ev.OnlineMeeting.JoinURL
	}

	return &models.Meeting{
		TenantID:        tenantID,
		CalendarEventID: "microsoft:" + ev.ID,
		Source:          "microsoft",
		Title:           ev.Subject,
		Description:     ev.BodyPreview,
		StartTime:       start,
		EndTime:         end,
		Attendees:       attendees,
		OrganizerEmail:  ev.Organizer.EmailAddress.Address,
		IsSelfOrganized: selfOrganized,
		ConferenceURL:   conference,
		URL:             ev.WebLink,
	}, nil
}

// toCalendarEvent converts a Graph event into an upcoming event for the
// update feed. The change key acts as the version marker.
func (ev graphEvent) toCalendarEvent() (*models.CalendarEvent, error) {
	m, err := ev.toMeeting("")
	if err != nil || m == nil {
		return nil, err
	}
	return &models.CalendarEvent{
		EventID:       m.CalendarEventID,
		Version:       ev.ChangeKey,
		Title:         m.Title,
		Start:         m.StartTime,
		End:           m.EndTime,
		AttendeeCount: len(m.Attendees),
		ConferenceURL: m.ConferenceURL,
		URL:           m.URL,
	}, nil
}

// graphUser is a directory entry from /users.
type graphUser struct {
	ID                string `json:"id"`
	Mail              string `json:"mail"`
	DisplayName       string `json:"displayName"`
	UserPrincipalName string `json:"userPrincipalName"`
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
