package api

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"eventrelay/internal/usecase/dispatch"
)

const (
	deviceCookieName  = "er_device_id"
	sessionCookieName = "er_session_id"

	deviceCookieMaxAge = 2 * 365 * 24 * time.Hour
	sessionIdleWindow  = 30 * time.Minute
)

type requestContextKey struct{}

// withRequestContext captures the device cookie, the rolling session cookie
// and the client IP into a dispatch.RequestContext and stores it on the
// request context for downstream handlers.
//
// The device cookie is a long-lived random id; the session cookie carries
// the unix timestamp of the session start and rolls over after thirty
// minutes of inactivity, which matches how the analytics backends define a
// session.
func withRequestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		now := time.Now()

		deviceID := cookieValue(r, deviceCookieName)
		if deviceID == "" {
			deviceID = uuid.NewString()
			http.SetCookie(w, &http.Cookie{
				Name:     deviceCookieName,
				Value:    deviceID,
				Path:     "/",
				MaxAge:   int(deviceCookieMaxAge.Seconds()),
				HttpOnly: true,
				SameSite: http.SameSiteLaxMode,
			})
		}

		sessionID := cookieValue(r, sessionCookieName)
		if !sessionAlive(sessionID, now) {
			sessionID = strconv.FormatInt(now.Unix(), 10)
		}
		// Re-set on every request to slide the expiry window.
		http.SetCookie(w, &http.Cookie{
			Name:     sessionCookieName,
			Value:    sessionID,
			Path:     "/",
			MaxAge:   int(sessionIdleWindow.Seconds()),
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		})

		rc := &dispatch.RequestContext{
			RemoteIP:  clientIP(r),
			UserAgent: r.UserAgent(),
			DeviceID:  deviceID,
			SessionID: sessionID,
		}

		next.ServeHTTP(w, r.WithContext(
			context.WithValue(r.Context(), requestContextKey{}, rc),
		))
	})
}

func requestContextFrom(ctx context.Context) *dispatch.RequestContext {
	rc, _ := ctx.Value(requestContextKey{}).(*dispatch.RequestContext)
	return rc
}

func cookieValue(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}

// sessionAlive reports whether the session cookie value is a plausible
// session-start timestamp. The value records when the session began, not
// the last activity, so a session kept alive by steady traffic may be far
// older than the cookie's idle window. Only future starts and values older
// than any device cookie could be are rejected.
func sessionAlive(value string, now time.Time) bool {
	if value == "" {
		return false
	}
	start, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return false
	}
	startedAt := time.Unix(start, 0)
	return !startedAt.After(now) && now.Sub(startedAt) < deviceCookieMaxAge
}

// clientIP extracts the originating client address, preferring proxy
// headers over the socket peer.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if real := strings.TrimSpace(r.Header.Get("X-Real-Ip")); real != "" {
		return real
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
