// Package ops defines the closed set of room operations, the reducer that
// applies them (Apply) and the generator of their inverses (Invert).
//
// Operations are values. Each variant carries the ids it targets and exactly
// the data needed to apply it; inverses carry the pre-image captured by Invert.
package ops

import (
	"time"

	"github.com/roomsync/roomsync.go/pkg/models"
)

type Kind string

const (
	KindAddFurniture         Kind = "addFurniture"
	KindUpdateFurniture      Kind = "updateFurniture"
	KindRemoveFurniture      Kind = "removeFurniture"
	KindAddLight             Kind = "addLight"
	KindUpdateLight          Kind = "updateLight"
	KindRemoveLight          Kind = "removeLight"
	KindCreateLayout         Kind = "createLayout"
	KindUpdateLayout         Kind = "updateLayout"
	KindDeleteLayout         Kind = "deleteLayout"
	KindUpdatePlanes         Kind = "updatePlanes"
	KindUpdateGlobalLighting Kind = "updateGlobalLighting"
)

// Kinds lists every operation kind.
var Kinds = []Kind{
	KindAddFurniture, KindUpdateFurniture, KindRemoveFurniture,
	KindAddLight, KindUpdateLight, KindRemoveLight,
	KindCreateLayout, KindUpdateLayout, KindDeleteLayout,
	KindUpdatePlanes, KindUpdateGlobalLighting,
}

// Op is implemented only by the variants in this package.
type Op interface {
	Kind() Kind
	OpID() string
	Room() string
	sealed()
}

// Meta is embedded in every variant.
type Meta struct {
	ID     string `json:"opId" validate:"required"`
	RoomID string `json:"roomId" validate:"required"`
}

func (m Meta) OpID() string { return m.ID }
func (m Meta) Room() string { return m.RoomID }
func (Meta) sealed()        {}

// NewMeta returns a Meta with a fresh operation id for roomID.
func NewMeta(roomID string) Meta {
	return Meta{ID: models.NewID(), RoomID: roomID}
}

type AddFurniture struct {
	Meta
	LayoutID  string                    `json:"layoutId" validate:"required"`
	Furniture models.FurniturePlacement `json:"furniture"`
}

type UpdateFurniture struct {
	Meta
	LayoutID string       `json:"layoutId" validate:"required"`
	ID       string       `json:"id" validate:"required"`
	Position *models.Vec3 `json:"position,omitempty"`
	Rotation *models.Quat `json:"rotation,omitempty"`
}

type RemoveFurniture struct {
	Meta
	LayoutID string `json:"layoutId" validate:"required"`
	ID       string `json:"id" validate:"required"`
}

type AddLight struct {
	Meta
	Light models.LightPlacement `json:"light"`
}

type UpdateLight struct {
	Meta
	ID       string       `json:"id" validate:"required"`
	Position *models.Vec3 `json:"position,omitempty"`
}

type RemoveLight struct {
	Meta
	ID string `json:"id" validate:"required"`
}

type CreateLayout struct {
	Meta
	Layout models.Layout `json:"layout"`
}

// UpdateLayout changes the descriptive fields of a layout. A nil field is left as is.
type UpdateLayout struct {
	Meta
	ID         string  `json:"layoutId" validate:"required"`
	Name       *string `json:"name,omitempty"`
	LayoutType *string `json:"layoutType,omitempty"`
	Icon       *string `json:"icon,omitempty"`
}

type DeleteLayout struct {
	Meta
	ID string `json:"layoutId" validate:"required"`
}

// UpdatePlanes replaces the whole plane list of a room.
type UpdatePlanes struct {
	Meta
	Planes    []models.PlaneRecord `json:"planes"`
	UpdatedAt *time.Time           `json:"planesUpdatedAt"`
}

type UpdateGlobalLighting struct {
	Meta
	Color     *string  `json:"color,omitempty"`
	Intensity *float64 `json:"intensity,omitempty"`
}

func (AddFurniture) Kind() Kind         { return KindAddFurniture }
func (UpdateFurniture) Kind() Kind      { return KindUpdateFurniture }
func (RemoveFurniture) Kind() Kind      { return KindRemoveFurniture }
func (AddLight) Kind() Kind             { return KindAddLight }
func (UpdateLight) Kind() Kind          { return KindUpdateLight }
func (RemoveLight) Kind() Kind          { return KindRemoveLight }
func (CreateLayout) Kind() Kind         { return KindCreateLayout }
func (UpdateLayout) Kind() Kind         { return KindUpdateLayout }
func (DeleteLayout) Kind() Kind         { return KindDeleteLayout }
func (UpdatePlanes) Kind() Kind         { return KindUpdatePlanes }
func (UpdateGlobalLighting) Kind() Kind { return KindUpdateGlobalLighting }
