package core

import (
	"strings"
	"sync"

	"github.com/ua-parser/uap-go/uaparser"
)

// DeviceInfo is the structured view of a client's user agent
type DeviceInfo struct {
	Type           DeviceType `json:"type"`
	Browser        string     `json:"browser"`
	BrowserVersion string     `json:"browser_version"`
	OS             string     `json:"os"`
	OSVersion      string     `json:"os_version"`
	Vendor         string     `json:"vendor,omitempty"`
	Model          string     `json:"model,omitempty"`
	Name           string     `json:"name"`
}

// The bundled regex set compiles once on first use
var uaParser = sync.OnceValue(uaparser.NewFromSaved)

const uaOther = "Other"

// ParseUserAgent derives device information from a raw user-agent string.
// Unrecognised parts are left empty and the type falls back to DeviceUnknown.
func ParseUserAgent(userAgent string) DeviceInfo {
	info := DeviceInfo{Type: DeviceUnknown}
	ua := strings.TrimSpace(userAgent)
	if ua == "" {
		info.Name = deviceName(info)
		return info
	}

	client := uaParser().Parse(ua)
	if b := client.UserAgent; b != nil && b.Family != uaOther {
		info.Browser = b.Family
		info.BrowserVersion = b.ToVersionString()
	}
	if o := client.Os; o != nil && o.Family != uaOther {
		info.OS = o.Family
		info.OSVersion = o.ToVersionString()
	}
	if d := client.Device; d != nil && d.Family != uaOther {
		info.Vendor = d.Brand
		info.Model = d.Model
	}
	info.Type = deviceType(ua)
	info.Name = deviceName(info)
	return info
}

// deviceType classifies the form factor from platform tokens
func deviceType(ua string) DeviceType {
	switch {
	case strings.Contains(ua, "iPad"):
		return DeviceTablet
	case strings.Contains(ua, "iPhone") || strings.Contains(ua, "iPod"):
		return DeviceMobile
	case strings.Contains(ua, "Android"):
		if strings.Contains(ua, "Mobile") {
			return DeviceMobile
		}
		return DeviceTablet
	case strings.Contains(ua, "Windows"),
		strings.Contains(ua, "CrOS"),
		strings.Contains(ua, "Macintosh"),
		strings.Contains(ua, "Mac OS X"),
		strings.Contains(ua, "Linux"):
		return DeviceDesktop
	}
	return DeviceUnknown
}

// deviceName builds "{vendor} {model}", then "{os} {type}", then "{browser} on {os}".
func deviceName(info DeviceInfo) string {
	if info.Vendor != "" && info.Model != "" {
		return info.Vendor + " " + info.Model
	}
	if info.OS != "" && info.Type != DeviceUnknown {
		return info.OS + " " + titleDeviceType(info.Type)
	}
	if info.Browser != "" && info.OS != "" {
		return info.Browser + " on " + info.OS
	}
	if info.Browser != "" {
		return info.Browser
	}
	return "Unknown Device"
}

func titleDeviceType(t DeviceType) string {
	s := string(t)
	if s == "" {
		return ""
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// ParseDeviceType validates a device type string
func ParseDeviceType(s string) (DeviceType, error) {
	switch DeviceType(strings.ToLower(strings.TrimSpace(s))) {
	case DeviceMobile:
		return DeviceMobile, nil
	case DeviceTablet:
		return DeviceTablet, nil
	case DeviceDesktop:
		return DeviceDesktop, nil
	case DeviceUnknown:
		return DeviceUnknown, nil
	}
	return "", invalidInput("device_type", "unknown device type %q", s)
}
