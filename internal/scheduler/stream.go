// Copyright 2026 The mk Authors
// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// upgrader accepts any origin: the Dynamic UI is a local developer tool
// served alongside the build, not a public endpoint (§4.7: "separate
// read-only consumer of workunits; not part of the correctness core").
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wireWorkunit is the JSON shape written to the Dynamic UI socket. Times
// and duration round-trip through the protobuf well-known types
// (Workunit.StartProto/EndProto/ElapsedProto) so this wire shape stays
// compatible with a future remote workunit feed that ships spans as
// protobuf rather than JSON.
type wireWorkunit struct {
	ID          string            `json:"id"`
	ParentID    string            `json:"parent_id,omitempty"`
	Name        string            `json:"name"`
	Level       string            `json:"level"`
	StartTime   string            `json:"start_time"`
	EndTime     string            `json:"end_time,omitempty"`
	ElapsedSecs float64           `json:"elapsed_seconds,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Artifacts   []string          `json:"artifacts,omitempty"`
}

func toWire(w Workunit) wireWorkunit {
	wire := wireWorkunit{
		ID:        w.ID,
		ParentID:  w.ParentID,
		Name:      w.Name,
		Level:     w.Level.String(),
		StartTime: w.StartProto().AsTime().Format(time.RFC3339Nano),
		Metadata:  w.Metadata,
		Artifacts: w.Artifacts,
	}
	if end := w.EndProto(); end != nil {
		wire.EndTime = end.AsTime().Format(time.RFC3339Nano)
		wire.ElapsedSecs = w.ElapsedProto().AsDuration().Seconds()
	}
	return wire
}

// ServeWorkunits upgrades an HTTP request to a websocket connection and
// streams sess's workunit spans to it as they are started/completed,
// until the connection closes or sess's context is done. It never
// blocks rule execution: a slow reader simply misses spans emitted
// while its buffer is full (see workunitTracker.publish).
func ServeWorkunits(log *zap.Logger, sess *Session, w http.ResponseWriter, r *http.Request) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	stream := sess.WorkunitStream()
	ctx := sess.Context()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case wu, ok := <-stream:
			if !ok {
				return nil
			}
			b, err := json.Marshal(toWire(wu))
			if err != nil {
				log.Warn("dynamic ui: marshal workunit", zap.Error(err))
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return err
			}
		}
	}
}
