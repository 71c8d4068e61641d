package actor

import (
	"context"
	"time"

	"github.com/roomsync/roomsync.go/pkg/errs"
	"github.com/roomsync/roomsync.go/pkg/models"
	"github.com/roomsync/roomsync.go/pkg/ops"
	"github.com/roomsync/roomsync.go/pkg/planes"
)

// The methods below build one operation with a fresh id and commit it like
// an inbound applyOperations would. They return the room after the change.

func (a *Actor) CreateLayout(ctx context.Context, roomID string, layout models.Layout) (models.Room, error) {
	if layout.ID == "" {
		layout.ID = models.NewID()
	}
	if layout.Furniture == nil {
		layout.Furniture = map[string]models.FurniturePlacement{}
	}
	return a.applyOne(ctx, ops.CreateLayout{Meta: ops.NewMeta(roomID), Layout: layout})
}

func (a *Actor) UpdateLayout(ctx context.Context, roomID, layoutID string, name, layoutType, icon *string) (models.Room, error) {
	return a.applyOne(ctx, ops.UpdateLayout{Meta: ops.NewMeta(roomID), ID: layoutID, Name: name, LayoutType: layoutType, Icon: icon})
}

func (a *Actor) DeleteLayout(ctx context.Context, roomID, layoutID string) (models.Room, error) {
	return a.applyOne(ctx, ops.DeleteLayout{Meta: ops.NewMeta(roomID), ID: layoutID})
}

func (a *Actor) AddFurniture(ctx context.Context, roomID, layoutID string, fp models.FurniturePlacement) (models.Room, error) {
	if fp.ID == "" {
		fp.ID = models.NewID()
	}
	return a.applyOne(ctx, ops.AddFurniture{Meta: ops.NewMeta(roomID), LayoutID: layoutID, Furniture: fp})
}

func (a *Actor) UpdateFurniture(ctx context.Context, roomID, layoutID, id string, position *models.Vec3, rotation *models.Quat) (models.Room, error) {
	return a.applyOne(ctx, ops.UpdateFurniture{Meta: ops.NewMeta(roomID), LayoutID: layoutID, ID: id, Position: position, Rotation: rotation})
}

func (a *Actor) RemoveFurniture(ctx context.Context, roomID, layoutID, id string) (models.Room, error) {
	return a.applyOne(ctx, ops.RemoveFurniture{Meta: ops.NewMeta(roomID), LayoutID: layoutID, ID: id})
}

func (a *Actor) AddLight(ctx context.Context, roomID string, light models.LightPlacement) (models.Room, error) {
	if light.ID == "" {
		light.ID = models.NewID()
	}
	return a.applyOne(ctx, ops.AddLight{Meta: ops.NewMeta(roomID), Light: light})
}

func (a *Actor) UpdateLight(ctx context.Context, roomID, id string, position models.Vec3) (models.Room, error) {
	return a.applyOne(ctx, ops.UpdateLight{Meta: ops.NewMeta(roomID), ID: id, Position: &position})
}

func (a *Actor) RemoveLight(ctx context.Context, roomID, id string) (models.Room, error) {
	return a.applyOne(ctx, ops.RemoveLight{Meta: ops.NewMeta(roomID), ID: id})
}

func (a *Actor) UpdateGlobalLighting(ctx context.Context, roomID string, color *string, intensity *float64) (models.Room, error) {
	return a.applyOne(ctx, ops.UpdateGlobalLighting{Meta: ops.NewMeta(roomID), Color: color, Intensity: intensity})
}

// UpdatePlanes replaces the plane list of a room as is.
func (a *Actor) UpdatePlanes(ctx context.Context, roomID string, list []models.PlaneRecord) (models.Room, error) {
	now := time.Now().UTC()
	return a.applyOne(ctx, ops.UpdatePlanes{Meta: ops.NewMeta(roomID), Planes: list, UpdatedAt: &now})
}

// ScanPlanes matches a fresh scan against the room's canonical planes and
// replaces them with the result.
func (a *Actor) ScanPlanes(ctx context.Context, roomID string, scanned []planes.Scanned) (planes.Result, error) {
	return call(ctx, a, func() (planes.Result, error) {
		room, ok := a.rooms[roomID]
		if !ok {
			return planes.Result{}, errs.NotFoundf("room %q not found", roomID)
		}
		res := planes.Merge(room.Planes, scanned, models.NewID)
		now := time.Now().UTC()
		op := ops.UpdatePlanes{Meta: ops.NewMeta(roomID), Planes: res.Planes, UpdatedAt: &now}
		if _, err := a.commit([]ops.Op{op}); err != nil {
			return planes.Result{}, err
		}
		return res, nil
	})
}
