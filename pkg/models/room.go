// Package models holds the room state data model synchronized between the
// property actor and its clients.
//
// All types are plain values. Maps inside a Room are treated as immutable once
// published: the reducer in pkg/ops copies a map before touching it, so two
// Rooms may share untouched sub-maps.
package models

import (
	"slices"
	"time"
)

type PlaneLabel string

const (
	PlaneFloor   PlaneLabel = "floor"
	PlaneCeiling PlaneLabel = "ceiling"
	PlaneWall    PlaneLabel = "wall"
	PlaneWindow  PlaneLabel = "window"
	PlaneDoor    PlaneLabel = "door"
	PlaneOther   PlaneLabel = "other"
)

func (l PlaneLabel) Valid() bool {
	switch l {
	case PlaneFloor, PlaneCeiling, PlaneWall, PlaneWindow, PlaneDoor, PlaneOther:
		return true
	}
	return false
}

// PlaneRecord is a detected flat surface. Its ID is assigned by the plane
// matcher, never by the scanning client.
type PlaneRecord struct {
	ID          string     `json:"id"`
	Label       PlaneLabel `json:"label"`
	Origin      Vec3       `json:"origin"`
	Orientation Quat       `json:"orientation"`
	Extents     Extents    `json:"extents"`
}

type FurniturePlacement struct {
	ID          string `json:"id" validate:"required"`
	FurnitureID string `json:"furnitureId" validate:"required"`
	Position    Vec3   `json:"position"`
	Rotation    Quat   `json:"rotation"`
}

type LightPlacement struct {
	ID       string `json:"id" validate:"required"`
	Position Vec3   `json:"position"`
}

type Layout struct {
	ID        string                        `json:"id" validate:"required"`
	Furniture map[string]FurniturePlacement `json:"furniture"`
	Name      string                        `json:"name,omitempty"`
	Type      string                        `json:"type,omitempty"`
	Icon      string                        `json:"icon,omitempty"`
}

type GlobalLighting struct {
	Color     string  `json:"color"`
	Intensity float64 `json:"intensity"`
}

// DefaultGlobalLighting is applied to every new room.
var DefaultGlobalLighting = GlobalLighting{Color: "#ffffff", Intensity: 1}

type Room struct {
	ID              string                    `json:"id"`
	Version         int                       `json:"version"`
	Planes          []PlaneRecord             `json:"planes"`
	PlanesUpdatedAt *time.Time                `json:"planesUpdatedAt"`
	Layouts         map[string]Layout         `json:"layouts"`
	Lights          map[string]LightPlacement `json:"lights"`
	GlobalLighting  GlobalLighting            `json:"globalLighting"`
}

// Rooms is every room of one property keyed by room id.
type Rooms map[string]Room

// With returns a copy of rs where room replaces the entry with the same id.
// rs itself is left untouched.
func (rs Rooms) With(room Room) Rooms {
	out := make(Rooms, len(rs)+1)
	for id, r := range rs {
		out[id] = r
	}
	out[room.ID] = room
	return out
}

// Without returns a copy of rs without the room id.
func (rs Rooms) Without(id string) Rooms {
	out := make(Rooms, len(rs))
	for rid, r := range rs {
		if rid != id {
			out[rid] = r
		}
	}
	return out
}

// IDs returns the room ids in ascending order.
func (rs Rooms) IDs() []string {
	ids := make([]string, 0, len(rs))
	for id := range rs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// RoomInit describes a room to create. Empty ids are generated.
type RoomInit struct {
	ID              string
	DefaultLayoutID string
	LayoutName      string
	Planes          []PlaneRecord
}

// NewRoom builds a room together with its default layout, so the layouts map
// is never empty.
func NewRoom(init RoomInit, version int) Room {
	id := init.ID
	if id == "" {
		id = NewID()
	}
	layoutID := init.DefaultLayoutID
	if layoutID == "" {
		layoutID = NewID()
	}
	name := init.LayoutName
	if name == "" {
		name = "Default"
	}
	var updatedAt *time.Time
	if len(init.Planes) > 0 {
		now := time.Now().UTC()
		updatedAt = &now
	}
	return Room{
		ID:              id,
		Version:         version,
		Planes:          slices.Clone(init.Planes),
		PlanesUpdatedAt: updatedAt,
		Layouts: map[string]Layout{
			layoutID: {ID: layoutID, Name: name, Furniture: map[string]FurniturePlacement{}},
		},
		Lights:         map[string]LightPlacement{},
		GlobalLighting: DefaultGlobalLighting,
	}
}
