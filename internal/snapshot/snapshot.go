// Package snapshot encodes the persisted state of a property and migrates
// blobs written by older schema versions.
//
// A blob is a CBOR map {version, rooms}. Decoding never fails because of a
// single bad nested record: records that do not decode, or lack an id, are
// dropped and counted in Result.Dropped.
package snapshot

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/roomsync/roomsync.go/internal/codec"
	"github.com/roomsync/roomsync.go/pkg/constants"
	"github.com/roomsync/roomsync.go/pkg/models"
)

var cborCodec = codec.NewCBOR()

type envelope struct {
	Version int          `json:"version"`
	Rooms   models.Rooms `json:"rooms"`
}

type storedEnvelope struct {
	Version int                        `json:"version"`
	Rooms   map[string]cbor.RawMessage `json:"rooms"`
}

// Result is a decoded snapshot.
type Result struct {
	Rooms models.Rooms
	// FromVersion is the version the blob was written with.
	FromVersion int
	// Migrated is true when FromVersion differs from the current version.
	Migrated bool
	// Dropped counts rooms and nested records discarded while decoding.
	Dropped int
}

// Encode serializes rooms with the current schema version.
func Encode(rooms models.Rooms) ([]byte, error) {
	if rooms == nil {
		rooms = models.Rooms{}
	}
	data, err := cborCodec.Marshal(envelope{Version: constants.RoomStateVersion, Rooms: rooms})
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return data, nil
}

// Decode parses blob and migrates it to the current schema version.
// Blobs without a version are treated as version 1.
func Decode(blob []byte) (Result, error) {
	var env storedEnvelope
	if err := cborCodec.Unmarshal(blob, &env); err != nil {
		return Result{}, fmt.Errorf("decode snapshot: %w", err)
	}
	version := env.Version
	if version == 0 {
		version = 1
	}
	if version > constants.RoomStateVersion {
		return Result{}, fmt.Errorf("decode snapshot: version %d is newer than supported %d", version, constants.RoomStateVersion)
	}

	res := Result{
		Rooms:       make(models.Rooms, len(env.Rooms)),
		FromVersion: version,
		Migrated:    version != constants.RoomStateVersion,
	}
	for key, raw := range env.Rooms {
		var sr storedRoom
		if err := cborCodec.Unmarshal(raw, &sr); err != nil {
			res.Dropped++
			continue
		}
		if sr.ID == "" {
			sr.ID = key
		}
		room, dropped := migrate(sr, version)
		res.Dropped += dropped
		res.Rooms[room.ID] = room
	}
	return res, nil
}

// storedRoom accepts the room shape of every schema version. Nested records
// stay raw until the final step so they can be dropped one by one.
type storedRoom struct {
	ID              string                  `json:"id"`
	Version         int                     `json:"version"`
	Planes          []cbor.RawMessage       `json:"planes"`
	PlanesUpdatedAt *time.Time              `json:"planesUpdatedAt"`
	Layouts         map[string]storedLayout `json:"layouts"`
	// Furniture is the room-level placement list of version 1.
	Furniture []cbor.RawMessage `json:"furniture"`
	// Lights is a list up to version 2 and a map from version 3 on.
	Lights         cbor.RawMessage        `json:"lights"`
	GlobalLighting *models.GlobalLighting `json:"globalLighting"`
}

type storedLayout struct {
	ID        string                     `json:"id"`
	Name      string                     `json:"name"`
	Type      string                     `json:"type"`
	Icon      string                     `json:"icon"`
	Furniture map[string]cbor.RawMessage `json:"furniture"`
}
