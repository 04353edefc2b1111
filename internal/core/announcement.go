package core

import (
	"strings"
	"time"
)

const (
	announceSuffix   = "build"
	firmwarePrefix   = "OpenBK"
	buildStampLayout = "Jan 2 2006 15:04:05"
)

// Announcement is a parsed "<device_id>/build" message.
type Announcement struct {
	DeviceID   string     `json:"device_id"`
	Platform   Platform   `json:"platform"`
	Version    string     `json:"version"`
	BuildDate  *time.Time `json:"build_date,omitempty"`
	ReceivedAt time.Time  `json:"received_at"`
}

// ParseAnnouncement decodes a build announcement. The payload is
// "OpenBK<chip> <version> <Mon> <Day> <Year> <HH:MM:SS>"; the bare
// "OpenBK<chip> <version>" form is accepted with an unknown build date.
func ParseAnnouncement(topic string, payload []byte, receivedAt time.Time) (Announcement, error) {
	fail := func(reason string) (Announcement, error) {
		return Announcement{}, &DiscoveryParseError{Topic: topic, Payload: string(payload), Reason: reason}
	}
	reject := func(reason string, err error) (Announcement, error) {
		return Announcement{}, &DiscoveryParseError{Topic: topic, Payload: string(payload), Reason: reason, Err: err}
	}

	segments := strings.Split(topic, "/")
	if len(segments) != 2 || segments[1] != announceSuffix {
		return fail("topic is not <device_id>/build")
	}
	deviceID := segments[0]
	if deviceID == "" || strings.ContainsAny(deviceID, "+#") {
		return reject("empty or wildcard device id", ErrInvalidDeviceID)
	}

	fields := strings.Fields(string(payload))
	if len(fields) != 2 && len(fields) != 6 {
		return fail("unexpected token count")
	}

	chip, ok := strings.CutPrefix(fields[0], firmwarePrefix)
	if !ok || chip == "" {
		return fail("missing OpenBK prefix")
	}
	platform, ok := ParsePlatform("BK" + chip)
	if !ok {
		return reject("unsupported platform BK"+chip, ErrUnsupportedPlatform)
	}

	ann := Announcement{
		DeviceID:   deviceID,
		Platform:   platform,
		Version:    fields[1],
		ReceivedAt: receivedAt,
	}

	if len(fields) == 6 {
		stamp, err := time.Parse(buildStampLayout, strings.Join(fields[2:], " "))
		if err != nil {
			return fail("bad build timestamp")
		}
		ann.BuildDate = &stamp
	}

	return ann, nil
}
