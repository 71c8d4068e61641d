package snapshot

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roomsync/roomsync.go/pkg/constants"
	"github.com/roomsync/roomsync.go/pkg/models"
)

type m = map[string]any

func encodeRaw(t *testing.T, v any) []byte {
	t.Helper()
	data, err := cborCodec.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestRoundTripCurrentVersion(t *testing.T) {
	room := models.NewRoom(models.RoomInit{ID: "room-1", DefaultLayoutID: "rl-1"}, constants.RoomStateVersion)
	room.Layouts["rl-1"].Furniture["fp-1"] = models.FurniturePlacement{ID: "fp-1", FurnitureID: "sofa", Position: models.NewVec3(1, 0, 2)}
	room.Lights["li-1"] = models.LightPlacement{ID: "li-1", Position: models.NewVec3(0, 2, 0)}

	blob, err := Encode(models.Rooms{"room-1": room})
	require.NoError(t, err)

	res, err := Decode(blob)
	require.NoError(t, err)
	assert.False(t, res.Migrated)
	assert.Equal(t, constants.RoomStateVersion, res.FromVersion)
	assert.Zero(t, res.Dropped)
	assert.Equal(t, models.Rooms{"room-1": room}, res.Rooms)
}

func TestRoundTripKeepsPlanesTimestamp(t *testing.T) {
	at := time.Date(2026, 5, 4, 10, 30, 0, 500, time.UTC)
	room := models.NewRoom(models.RoomInit{ID: "room-1"}, constants.RoomStateVersion)
	room.PlanesUpdatedAt = &at
	room.Planes = []models.PlaneRecord{{ID: "pl-1", Label: models.PlaneFloor, Orientation: models.IdentityQuat, Extents: models.Extents{4, 3}}}

	blob, err := Encode(models.Rooms{"room-1": room})
	require.NoError(t, err)
	res, err := Decode(blob)
	require.NoError(t, err)

	got := res.Rooms["room-1"]
	require.NotNil(t, got.PlanesUpdatedAt)
	assert.True(t, at.Equal(*got.PlanesUpdatedAt))
	assert.Equal(t, room.Planes, got.Planes)
}

func TestMigrateVersion1(t *testing.T) {
	blob := encodeRaw(t, m{
		"version": 1,
		"rooms": m{
			"room-1": m{
				"id": "room-1",
				"planes": []any{
					m{"id": "pl-1", "label": "floor", "extents": []float64{4, 3}},
					m{"id": "pl-2", "label": "trampoline"},
				},
				"furniture": []any{
					m{"id": "fp-1", "furnitureId": "sofa", "position": m{"x": 1.0, "y": 0.0, "z": 1.0}},
					m{"furnitureId": "nameless"},
				},
				"lights": []any{
					m{"id": "li-1", "position": m{"x": 0.0, "y": 2.0, "z": 0.0}},
				},
			},
		},
	})

	res, err := Decode(blob)
	require.NoError(t, err)
	assert.True(t, res.Migrated)
	assert.Equal(t, 1, res.FromVersion)
	assert.Equal(t, 2, res.Dropped)

	room := res.Rooms["room-1"]
	assert.Equal(t, constants.RoomStateVersion, room.Version)
	require.Len(t, room.Planes, 1)
	assert.Equal(t, "pl-1", room.Planes[0].ID)

	require.Len(t, room.Layouts, 1)
	layout := room.Layouts["room-1-default"]
	assert.Equal(t, DefaultLayoutName, layout.Name)
	assert.Equal(t, map[string]models.FurniturePlacement{
		"fp-1": {ID: "fp-1", FurnitureID: "sofa", Position: models.NewVec3(1, 0, 1)},
	}, layout.Furniture)

	assert.Equal(t, map[string]models.LightPlacement{
		"li-1": {ID: "li-1", Position: models.NewVec3(0, 2, 0)},
	}, room.Lights)
	assert.Equal(t, models.DefaultGlobalLighting, room.GlobalLighting)
}

func TestMigrateVersion2KeepsLayouts(t *testing.T) {
	blob := encodeRaw(t, m{
		"version": 2,
		"rooms": m{
			"room-1": m{
				"id": "room-1",
				"layouts": m{
					"rl-1": m{"id": "rl-1", "name": "Evening", "furniture": m{
						"fp-1": m{"id": "fp-1", "furnitureId": "lamp"},
					}},
				},
				"lights": []any{m{"id": "li-1"}, m{"position": m{"x": 1.0}}},
			},
		},
	})

	res, err := Decode(blob)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Dropped)

	room := res.Rooms["room-1"]
	require.Contains(t, room.Layouts, "rl-1")
	assert.Equal(t, "Evening", room.Layouts["rl-1"].Name)
	assert.Contains(t, room.Layouts["rl-1"].Furniture, "fp-1")
	assert.Contains(t, room.Lights, "li-1")
	assert.Equal(t, models.DefaultGlobalLighting, room.GlobalLighting)
}

func TestDecodeEnsuresLayouts(t *testing.T) {
	blob := encodeRaw(t, m{
		"version": constants.RoomStateVersion,
		"rooms": m{
			"room-1": m{"id": "room-1", "layouts": m{}},
			"room-2": "not a room",
		},
	})

	res, err := Decode(blob)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Dropped)
	require.Len(t, res.Rooms, 1)
	assert.Len(t, res.Rooms["room-1"].Layouts, 1)
}

func TestDecodeMissingVersionIsVersion1(t *testing.T) {
	blob := encodeRaw(t, m{"rooms": m{"room-1": m{"id": "room-1"}}})
	res, err := Decode(blob)
	require.NoError(t, err)
	assert.Equal(t, 1, res.FromVersion)
	assert.Len(t, res.Rooms["room-1"].Layouts, 1)
}

func TestDecodeRejectsFutureVersion(t *testing.T) {
	blob := encodeRaw(t, m{"version": constants.RoomStateVersion + 1, "rooms": m{}})
	_, err := Decode(blob)
	assert.Error(t, err)

	_, err = Decode([]byte{0xff, 0x00})
	assert.Error(t, err)
}

func TestMigrateIsPure(t *testing.T) {
	sr := storedRoom{ID: "room-1"}
	a, _ := migrate(sr, 1)
	b, _ := migrate(sr, 1)
	assert.Equal(t, a, b)
	assert.Nil(t, sr.Layouts)
}
