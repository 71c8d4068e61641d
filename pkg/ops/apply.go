package ops

import (
	"slices"

	"github.com/roomsync/roomsync.go/pkg/errs"
	"github.com/roomsync/roomsync.go/pkg/models"
)

// Apply returns the state after op. rooms is never modified: the result shares
// every room and sub-map that op does not touch.
//
// It fails with errs.NotFound when a referenced room, layout, furniture or
// light does not exist, and with errs.Conflict when createLayout reuses an id
// or deleteLayout would leave a room without layouts. On failure the returned
// state is nil and rooms is still valid.
func Apply(rooms models.Rooms, op Op) (models.Rooms, error) {
	if op == nil {
		return nil, errs.BadRequestf("nil operation")
	}
	room, ok := rooms[op.Room()]
	if !ok {
		return nil, errs.NotFoundf("room %q not found", op.Room())
	}
	next, err := applyRoom(room, op)
	if err != nil {
		return nil, err
	}
	return rooms.With(next), nil
}

// ApplyAll applies batch in order and stops at the first failure. It returns
// the state after the last successful op and the number of ops applied.
func ApplyAll(rooms models.Rooms, batch []Op) (models.Rooms, int, error) {
	for i, op := range batch {
		next, err := Apply(rooms, op)
		if err != nil {
			return rooms, i, err
		}
		rooms = next
	}
	return rooms, len(batch), nil
}

//nolint:gocyclo,funlen
func applyRoom(room models.Room, op Op) (models.Room, error) {
	switch o := op.(type) {
	case AddFurniture:
		layout, ok := room.Layouts[o.LayoutID]
		if !ok {
			return room, layoutNotFound(o.LayoutID)
		}
		layout.Furniture = cloneMap(layout.Furniture)
		layout.Furniture[o.Furniture.ID] = o.Furniture
		room.Layouts = withEntry(room.Layouts, o.LayoutID, layout)

	case UpdateFurniture:
		layout, ok := room.Layouts[o.LayoutID]
		if !ok {
			return room, layoutNotFound(o.LayoutID)
		}
		placement, ok := layout.Furniture[o.ID]
		if !ok {
			return room, errs.NotFoundf("furniture %q not found in layout %q", o.ID, o.LayoutID)
		}
		if o.Position != nil {
			placement.Position = *o.Position
		}
		if o.Rotation != nil {
			placement.Rotation = *o.Rotation
		}
		layout.Furniture = withEntry(layout.Furniture, o.ID, placement)
		room.Layouts = withEntry(room.Layouts, o.LayoutID, layout)

	case RemoveFurniture:
		layout, ok := room.Layouts[o.LayoutID]
		if !ok {
			return room, layoutNotFound(o.LayoutID)
		}
		if _, ok := layout.Furniture[o.ID]; !ok {
			return room, errs.NotFoundf("furniture %q not found in layout %q", o.ID, o.LayoutID)
		}
		layout.Furniture = withoutEntry(layout.Furniture, o.ID)
		room.Layouts = withEntry(room.Layouts, o.LayoutID, layout)

	case AddLight:
		room.Lights = withEntry(room.Lights, o.Light.ID, o.Light)

	case UpdateLight:
		light, ok := room.Lights[o.ID]
		if !ok {
			return room, lightNotFound(o.ID)
		}
		if o.Position != nil {
			light.Position = *o.Position
		}
		room.Lights = withEntry(room.Lights, o.ID, light)

	case RemoveLight:
		if _, ok := room.Lights[o.ID]; !ok {
			return room, lightNotFound(o.ID)
		}
		room.Lights = withoutEntry(room.Lights, o.ID)

	case CreateLayout:
		if _, ok := room.Layouts[o.Layout.ID]; ok {
			return room, errs.Conflictf("layout %q already exists", o.Layout.ID)
		}
		layout := o.Layout
		if layout.Furniture == nil {
			layout.Furniture = map[string]models.FurniturePlacement{}
		}
		room.Layouts = withEntry(room.Layouts, layout.ID, layout)

	case UpdateLayout:
		layout, ok := room.Layouts[o.ID]
		if !ok {
			return room, layoutNotFound(o.ID)
		}
		if o.Name != nil {
			layout.Name = *o.Name
		}
		if o.LayoutType != nil {
			layout.Type = *o.LayoutType
		}
		if o.Icon != nil {
			layout.Icon = *o.Icon
		}
		room.Layouts = withEntry(room.Layouts, o.ID, layout)

	case DeleteLayout:
		if _, ok := room.Layouts[o.ID]; !ok {
			return room, layoutNotFound(o.ID)
		}
		if len(room.Layouts) == 1 {
			return room, errs.Conflictf("layout %q is the last layout of room %q", o.ID, room.ID)
		}
		room.Layouts = withoutEntry(room.Layouts, o.ID)

	case UpdatePlanes:
		room.Planes = slices.Clone(o.Planes)
		room.PlanesUpdatedAt = o.UpdatedAt

	case UpdateGlobalLighting:
		if o.Color != nil {
			room.GlobalLighting.Color = *o.Color
		}
		if o.Intensity != nil {
			room.GlobalLighting.Intensity = *o.Intensity
		}

	default:
		return room, errs.BadRequestf("unsupported operation %T", op)
	}
	return room, nil
}

func layoutNotFound(id string) error {
	return errs.NotFoundf("layout %q not found", id)
}

func lightNotFound(id string) error {
	return errs.NotFoundf("light %q not found", id)
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}

func withEntry[K comparable, V any](m map[K]V, k K, v V) map[K]V {
	out := cloneMap(m)
	out[k] = v
	return out
}

func withoutEntry[K comparable, V any](m map[K]V, k K) map[K]V {
	out := cloneMap(m)
	delete(out, k)
	return out
}
