package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"gointake/kiosk"
	"gointake/mqtt"
	"gointake/session"
)

// Publisher implements kiosk.Events over MQTT. Every presentation event
// becomes a QoS-0 JSON message under the node's status prefix; the
// dashboard and wall displays subscribe to these.
type Publisher struct {
	mqtt     *mqtt.Client
	clientID string
	log      zerolog.Logger
}

// NewPublisher creates a Publisher for this kiosk node.
func NewPublisher(client *mqtt.Client, clientID string, log zerolog.Logger) *Publisher {
	return &Publisher{mqtt: client, clientID: clientID, log: log}
}

func (p *Publisher) topic(suffix string) string {
	return fmt.Sprintf("intake/status/node/%s/%s", p.clientID, suffix)
}

func (p *Publisher) publish(suffix string, v any) {
	msg, err := json.Marshal(v)
	if err != nil {
		p.log.Error().Err(err).Str("topic", suffix).Msg("encode event")
		return
	}
	p.mqtt.Publish(p.topic(suffix), msg)
}

// UserLoggedIn implements kiosk.Events.
func (p *Publisher) UserLoggedIn(u kiosk.User, s session.Session) {
	p.publish("session/login", map[string]any{
		"user_id":    u.ID,
		"name":       u.DisplayName,
		"session_id": s.ID,
		"started_at": s.StartedAt.UTC().Format(time.RFC3339),
	})
}

// UserBecameActive implements kiosk.Events.
func (p *Publisher) UserBecameActive(userID int64) {
	p.publish("session/active", map[string]any{"user_id": userID})
}

// UserLoggedOut implements kiosk.Events.
func (p *Publisher) UserLoggedOut(userID int64) {
	p.publish("session/logout", map[string]any{"user_id": userID})
}

// TagRejectedUnknown implements kiosk.Events.
func (p *Publisher) TagRejectedUnknown(tag string) {
	p.publish("tag/unknown", map[string]any{"tag": tag})
}

// ScanAccepted implements kiosk.Events.
func (p *Publisher) ScanAccepted(userID int64, payload string, at time.Time) {
	p.publish("scan/accepted", map[string]any{
		"user_id": userID,
		"payload": payload,
		"at":      at.UTC().Format(time.RFC3339),
	})
}

// ScanRejectedDuplicate implements kiosk.Events.
func (p *Publisher) ScanRejectedDuplicate(payload, scope string, remaining time.Duration) {
	p.publish("scan/rejected", map[string]any{
		"reason":            "duplicate",
		"payload":           payload,
		"scope":             scope,
		"remaining_seconds": int(remaining.Seconds()),
	})
}

// ScanRejectedNoActiveUser implements kiosk.Events.
func (p *Publisher) ScanRejectedNoActiveUser(payload string) {
	p.publish("scan/rejected", map[string]any{
		"reason":  "no_active_user",
		"payload": payload,
	})
}

// ScanPersistenceFailed implements kiosk.Events.
func (p *Publisher) ScanPersistenceFailed(payload string, err error) {
	p.publish("scan/rejected", map[string]any{
		"reason":  "persistence",
		"payload": payload,
		"error":   err.Error(),
	})
}

// PublishStatus sends the periodic heartbeat with session and guard
// occupancy.
func (p *Publisher) PublishStatus(st kiosk.Status, uptime time.Duration) {
	sessions := make([]map[string]any, 0, len(st.Sessions))
	for _, info := range st.Sessions {
		sessions = append(sessions, map[string]any{
			"user_id":    info.User.ID,
			"name":       info.User.DisplayName,
			"session_id": info.Session.ID,
			"started_at": info.Session.StartedAt.UTC().Format(time.RFC3339),
			"scan_count": info.ScanCount,
		})
	}
	p.publish("ping", map[string]any{
		"status":          "ok",
		"uptime_seconds":  int(uptime.Seconds()),
		"mode":            string(st.Mode),
		"current_user_id": st.CurrentUserID,
		"sessions":        sessions,
		"guard": map[string]any{
			"global_entries":  st.Guard.GlobalEntries,
			"sessions":        st.Guard.Sessions,
			"session_entries": st.Guard.SessionEntries,
			"enabled":         st.Guard.Enabled,
		},
	})
}
