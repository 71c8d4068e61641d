package syncstore

import (
	"context"
	"time"

	"github.com/roomsync/roomsync.go/pkg/connection/gorillaws"
	"github.com/roomsync/roomsync.go/pkg/errs"
	"github.com/roomsync/roomsync.go/pkg/models"
	"github.com/roomsync/roomsync.go/pkg/ops"
	"github.com/roomsync/roomsync.go/pkg/planes"
)

// Dial builds a Store wired to a gorillaws connection and connects it.
// Broadcasts feed HandleMessage and every (re)connect flushes the backlog.
//
// The returned connection belongs to the caller, who closes it.
func Dial(ctx context.Context, baseURL string, token gorillaws.TokenSource, cfg Config, opts ...gorillaws.Option) (*Store, *gorillaws.Connection, error) {
	s := New(cfg)
	opts = append([]gorillaws.Option{gorillaws.WithLogger(s.log)}, opts...)
	opts = append(opts,
		gorillaws.WithOnMessage(s.HandleMessage),
		gorillaws.WithOnConnect(s.OnConnect),
	)
	conn, err := gorillaws.New(gorillaws.Config{BaseURL: baseURL, Token: token}, opts...)
	if err != nil {
		return nil, nil, err
	}
	s.SetTransport(conn)
	if err := conn.Connect(ctx); err != nil {
		return nil, nil, err
	}
	return s, conn, nil
}

// ScanPlanes matches freshly scanned planes against the local planes of
// roomID and applies the resulting plane list as one undoable edit.
func (s *Store) ScanPlanes(roomID string, scanned []planes.Scanned) (planes.Result, error) {
	room, ok := s.Room(roomID)
	if !ok {
		return planes.Result{}, errs.NotFoundf("room %q not found", roomID)
	}
	res := planes.Merge(room.Planes, scanned, models.NewID)
	now := time.Now().UTC()
	op := ops.UpdatePlanes{Meta: ops.NewMeta(roomID), Planes: res.Planes, UpdatedAt: &now}
	if err := s.Apply(op, ApplyOptions{}); err != nil {
		return planes.Result{}, err
	}
	return res, nil
}
