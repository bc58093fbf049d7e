package syncer

import (
	"time"

	"github.com/MarcoPoloResearchLab/tempo/internal/entity"
)

// Action tells consumers how to apply a Response.
type Action string

const (
	ActionCreate Action = "CREATE"
	ActionUpdate Action = "UPDATE"
	ActionDelete Action = "DELETE"
)

// Response describes the post-commit state of one entity touched by a batch.
type Response struct {
	EntityType entity.Type    `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Version    string         `json:"version"`
	Action     Action         `json:"action"`
	Timestamp  int64          `json:"timestamp"`
	Payload    map[string]any `json:"payload"`
}

func buildResponse(key entity.Key, version string, before, after *entity.Record, now time.Time) Response {
	response := Response{
		EntityType: key.Type,
		EntityID:   key.ID,
		Version:    version,
		Timestamp:  now.UTC().UnixMilli(),
		Payload:    map[string]any{},
	}
	switch {
	case after == nil || !after.Active:
		response.Action = ActionDelete
		source := after
		if source == nil {
			source = before
		}
		if source != nil {
			for name, value := range source.Linkage() {
				response.Payload[name] = value
			}
		}
		if after != nil {
			response.Timestamp = after.ModifiedAt.UnixMilli()
		}
		return response
	case before == nil || !before.Active:
		response.Action = ActionCreate
	default:
		response.Action = ActionUpdate
	}
	for name, value := range after.Fields {
		if value != nil {
			response.Payload[name] = value
		}
	}
	response.Payload["id"] = after.ID
	response.Timestamp = after.ModifiedAt.UnixMilli()
	return response
}

// VersionView is one node in a History.
type VersionView struct {
	Label     string    `json:"label"`
	Index     int       `json:"index"`
	CreatedAt time.Time `json:"created_at"`
	OnMaster  bool      `json:"on_master"`
}

// History lists a graph's versions and its master path.
type History struct {
	GraphID    string        `json:"graph_id"`
	EntityType entity.Type   `json:"entity_type"`
	EntityID   string        `json:"entity_id"`
	Head       string        `json:"head"`
	Master     []string      `json:"master"`
	Versions   []VersionView `json:"versions"`
}
