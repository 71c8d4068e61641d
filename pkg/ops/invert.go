package ops

import (
	"slices"

	"github.com/roomsync/roomsync.go/pkg/models"
)

// Invert returns the operation that reverses op when applied to the state
// produced by Apply(rooms, op). It must be called before Apply, because it
// reads the pre-image from rooms.
//
// A nil result means op cannot be undone (its target is missing, or applying
// it would fail). It is not an error.
//
//nolint:gocyclo,funlen
func Invert(rooms models.Rooms, op Op) Op {
	if op == nil {
		return nil
	}
	room, ok := rooms[op.Room()]
	if !ok {
		return nil
	}
	meta := NewMeta(room.ID)

	switch o := op.(type) {
	case AddFurniture:
		layout, ok := room.Layouts[o.LayoutID]
		if !ok {
			return nil
		}
		if prev, ok := layout.Furniture[o.Furniture.ID]; ok {
			return AddFurniture{Meta: meta, LayoutID: o.LayoutID, Furniture: prev}
		}
		return RemoveFurniture{Meta: meta, LayoutID: o.LayoutID, ID: o.Furniture.ID}

	case UpdateFurniture:
		prev, ok := room.Layouts[o.LayoutID].Furniture[o.ID]
		if !ok {
			return nil
		}
		return UpdateFurniture{
			Meta:     meta,
			LayoutID: o.LayoutID,
			ID:       o.ID,
			Position: &prev.Position,
			Rotation: &prev.Rotation,
		}

	case RemoveFurniture:
		prev, ok := room.Layouts[o.LayoutID].Furniture[o.ID]
		if !ok {
			return nil
		}
		return AddFurniture{Meta: meta, LayoutID: o.LayoutID, Furniture: prev}

	case AddLight:
		if prev, ok := room.Lights[o.Light.ID]; ok {
			return AddLight{Meta: meta, Light: prev}
		}
		return RemoveLight{Meta: meta, ID: o.Light.ID}

	case UpdateLight:
		prev, ok := room.Lights[o.ID]
		if !ok {
			return nil
		}
		return UpdateLight{Meta: meta, ID: o.ID, Position: &prev.Position}

	case RemoveLight:
		prev, ok := room.Lights[o.ID]
		if !ok {
			return nil
		}
		return AddLight{Meta: meta, Light: prev}

	case CreateLayout:
		if _, ok := room.Layouts[o.Layout.ID]; ok {
			return nil
		}
		return DeleteLayout{Meta: meta, ID: o.Layout.ID}

	case UpdateLayout:
		prev, ok := room.Layouts[o.ID]
		if !ok {
			return nil
		}
		return UpdateLayout{Meta: meta, ID: o.ID, Name: &prev.Name, LayoutType: &prev.Type, Icon: &prev.Icon}

	case DeleteLayout:
		prev, ok := room.Layouts[o.ID]
		if !ok || len(room.Layouts) == 1 {
			return nil
		}
		// Restores the layout as it is now; edits made to other layouts in the
		// meantime are not part of the pre-image.
		return CreateLayout{Meta: meta, Layout: prev}

	case UpdatePlanes:
		return UpdatePlanes{Meta: meta, Planes: slices.Clone(room.Planes), UpdatedAt: room.PlanesUpdatedAt}

	case UpdateGlobalLighting:
		prev := room.GlobalLighting
		return UpdateGlobalLighting{Meta: meta, Color: &prev.Color, Intensity: &prev.Intensity}
	}
	return nil
}
