package dispatch

import (
	"github.com/mssola/useragent"
)

// RequestContext is the caller-supplied slice of the inbound request the
// dispatcher snapshots into session data. It deliberately does not depend
// on net/http so in-process emitters can fill it directly.
type RequestContext struct {
	AuthenticatedUserID *uint64
	RemoteIP            string
	UserAgent           string
	DeviceID            string
	SessionID           string
}

// buildSessionData builds the immutable session snapshot stored on the
// event row. Keys follow the Amplitude session dimension names; absent
// values are omitted rather than stored empty.
func buildSessionData(appVersion string, rc *RequestContext) map[string]any {
	data := map[string]any{
		"app_version": appVersion,
		"platform":    "web",
	}
	if rc == nil {
		return data
	}

	if rc.RemoteIP != "" {
		data["ip"] = rc.RemoteIP
	}
	if rc.DeviceID != "" {
		data["device_id"] = rc.DeviceID
	}
	if rc.SessionID != "" {
		data["session_id"] = rc.SessionID
	}

	if rc.UserAgent != "" {
		ua := useragent.New(rc.UserAgent)
		osInfo := ua.OSInfo()
		if osInfo.Name != "" {
			data["os_name"] = osInfo.Name
		}
		if osInfo.Version != "" {
			data["os_version"] = osInfo.Version
		}
		if platform := ua.Platform(); platform != "" {
			data["device_brand"] = platform
		}
	}
	return data
}
