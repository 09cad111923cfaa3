package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode/utf8"

	"helpdesk.org/internal/ids"
)

const (
	refreshSecretBytes = 32
	unknownDevice      = "Unknown Device"
	maxDeviceNameLen   = 120
	maxUserAgentLen    = 512
	maxIPLen           = 64
)

// NewRefreshSecret returns an opaque secret and the hash to persist.
func NewRefreshSecret() (plain, hash string, err error) {
	plain, err = ids.Secret(refreshSecretBytes)
	if err != nil {
		return "", "", err
	}
	return plain, HashSecret(plain), nil
}

// HashSecret returns the hex sha256 of a refresh secret.
func HashSecret(plain string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(plain)))
	return hex.EncodeToString(sum[:])
}

var browsers = []struct{ marker, name string }{
	{"Edg/", "Edge"},
	{"OPR/", "Opera"},
	{"Chrome/", "Chrome"},
	{"Firefox/", "Firefox"},
	{"Safari/", "Safari"},
}

var platforms = []struct{ marker, name string }{
	{"Windows", "Windows"},
	{"iPhone", "iOS"},
	{"iPad", "iOS"},
	{"Android", "Android"},
	{"Mac OS X", "macOS"},
	{"Macintosh", "macOS"},
	{"Linux", "Linux"},
}

// DetectDeviceName derives a human readable label from a user agent.
func DetectDeviceName(userAgent string) string {
	var browser, platform string
	for _, b := range browsers {
		if strings.Contains(userAgent, b.marker) {
			browser = b.name
			break
		}
	}
	for _, p := range platforms {
		if strings.Contains(userAgent, p.marker) {
			platform = p.name
			break
		}
	}
	switch {
	case browser != "" && platform != "":
		return browser + " on " + platform
	case browser != "":
		return browser
	case platform != "":
		return platform
	default:
		return unknownDevice
	}
}

// NormalizeDevice trims the descriptor, fills in a name from the user agent
// and bounds every field to valid UTF-8 of a storable length.
func NormalizeDevice(d Device) Device {
	d.Name = clip(d.Name, maxDeviceNameLen)
	d.UserAgent = clip(d.UserAgent, maxUserAgentLen)
	d.IP = clip(d.IP, maxIPLen)
	if d.Name == "" {
		d.Name = DetectDeviceName(d.UserAgent)
	}
	return d
}

// clip trims s, replaces invalid UTF-8 and cuts it to at most n bytes on a
// rune boundary.
func clip(s string, n int) string {
	s = strings.TrimSpace(strings.ToValidUTF8(s, "\uFFFD"))
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return strings.TrimSpace(s[:cut])
}
