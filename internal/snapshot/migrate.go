package snapshot

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/roomsync/roomsync.go/pkg/constants"
	"github.com/roomsync/roomsync.go/pkg/models"
)

// DefaultLayoutName names layouts created during migration.
const DefaultLayoutName = "Default"

type step func(storedRoom) storedRoom

// steps[v] upgrades a room from version v to v+1.
var steps = map[int]step{
	1: moveFurnitureIntoLayout,
	2: keyLightsByID,
}

// migrate upgrades sr from version to the current schema and converts it to
// a model room. It returns the number of nested records it dropped.
// It has no side effects: generated ids are derived from the room id.
func migrate(sr storedRoom, version int) (models.Room, int) {
	for v := version; v < constants.RoomStateVersion; v++ {
		if s, ok := steps[v]; ok {
			sr = s(sr)
		}
	}
	return finalize(sr)
}

func defaultLayoutID(roomID string) string {
	return roomID + "-default"
}

// moveFurnitureIntoLayout: version 1 rooms kept one furniture list at room
// level. It becomes the furniture of a default layout.
func moveFurnitureIntoLayout(sr storedRoom) storedRoom {
	if len(sr.Layouts) == 0 {
		id := defaultLayoutID(sr.ID)
		furniture := make(map[string]cbor.RawMessage, len(sr.Furniture))
		for i, raw := range sr.Furniture {
			var head struct {
				ID string `json:"id"`
			}
			if err := cborCodec.Unmarshal(raw, &head); err != nil || head.ID == "" {
				// keep it under a synthetic key so finalize accounts for it
				furniture[syntheticKey(i)] = raw
				continue
			}
			furniture[head.ID] = raw
		}
		sr.Layouts = map[string]storedLayout{
			id: {ID: id, Name: DefaultLayoutName, Furniture: furniture},
		}
	}
	sr.Furniture = nil
	return sr
}

// keyLightsByID: version 2 rooms stored lights as a list and had no global
// lighting.
func keyLightsByID(sr storedRoom) storedRoom {
	var list []cbor.RawMessage
	if len(sr.Lights) > 0 && cborCodec.Unmarshal(sr.Lights, &list) == nil {
		byID := make(map[string]cbor.RawMessage, len(list))
		for i, raw := range list {
			var head struct {
				ID string `json:"id"`
			}
			if err := cborCodec.Unmarshal(raw, &head); err != nil || head.ID == "" {
				byID[syntheticKey(i)] = raw
				continue
			}
			byID[head.ID] = raw
		}
		if data, err := cborCodec.Marshal(byID); err == nil {
			sr.Lights = data
		}
	}
	if sr.GlobalLighting == nil {
		gl := models.DefaultGlobalLighting
		sr.GlobalLighting = &gl
	}
	return sr
}

func syntheticKey(i int) string {
	return fmt.Sprintf("#%d", i)
}

// finalize decodes nested records strictly, drops the invalid ones and
// guarantees at least one layout.
func finalize(sr storedRoom) (models.Room, int) {
	dropped := 0
	room := models.Room{
		ID:              sr.ID,
		Version:         constants.RoomStateVersion,
		PlanesUpdatedAt: sr.PlanesUpdatedAt,
		Layouts:         make(map[string]models.Layout, len(sr.Layouts)),
		Lights:          map[string]models.LightPlacement{},
		GlobalLighting:  models.DefaultGlobalLighting,
	}
	if sr.GlobalLighting != nil {
		room.GlobalLighting = *sr.GlobalLighting
	}

	for _, raw := range sr.Planes {
		var p models.PlaneRecord
		if err := cborCodec.Unmarshal(raw, &p); err != nil || p.ID == "" || !p.Label.Valid() {
			dropped++
			continue
		}
		room.Planes = append(room.Planes, p)
	}

	for key, sl := range sr.Layouts {
		id := sl.ID
		if id == "" {
			id = key
		}
		if id == "" {
			dropped++
			continue
		}
		layout := models.Layout{
			ID:        id,
			Name:      sl.Name,
			Type:      sl.Type,
			Icon:      sl.Icon,
			Furniture: make(map[string]models.FurniturePlacement, len(sl.Furniture)),
		}
		for _, raw := range sl.Furniture {
			var fp models.FurniturePlacement
			if err := cborCodec.Unmarshal(raw, &fp); err != nil || fp.ID == "" || fp.FurnitureID == "" {
				dropped++
				continue
			}
			layout.Furniture[fp.ID] = fp
		}
		room.Layouts[id] = layout
	}

	var lights map[string]cbor.RawMessage
	if len(sr.Lights) > 0 {
		if err := cborCodec.Unmarshal(sr.Lights, &lights); err != nil {
			dropped++
		}
	}
	for _, raw := range lights {
		var lp models.LightPlacement
		if err := cborCodec.Unmarshal(raw, &lp); err != nil || lp.ID == "" {
			dropped++
			continue
		}
		room.Lights[lp.ID] = lp
	}

	if len(room.Layouts) == 0 {
		id := defaultLayoutID(room.ID)
		room.Layouts[id] = models.Layout{ID: id, Name: DefaultLayoutName, Furniture: map[string]models.FurniturePlacement{}}
	}
	return room, dropped
}
