package server

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/astromechza/notelive/pkg/access"
	"github.com/astromechza/notelive/pkg/auth"
	"github.com/astromechza/notelive/pkg/live"
	"github.com/astromechza/notelive/pkg/rooms"
	"github.com/astromechza/notelive/pkg/store"
	"github.com/astromechza/notelive/pkg/viz"
)

func (s *Server) createToken(writer http.ResponseWriter, request *http.Request) {
	principal, ok := auth.Principal(request.Context())
	if !ok {
		writeError(writer, request, auth.ErrUnauthorized)
		return
	}
	writeJSON(writer, http.StatusOK, map[string]string{"token": s.tokens.Create(principal)})
}

func (s *Server) liveGlobal(writer http.ResponseWriter, request *http.Request) {
	s.serveLive(writer, request, func(ctx context.Context, principal uuid.UUID) (rooms.Key, error) {
		if !s.admins[principal] {
			return rooms.Key{}, fmt.Errorf("%w: %s is not an admin", access.ErrNoAccess, principal)
		}
		return rooms.All(), nil
	})
}

func (s *Server) liveNotebook(writer http.ResponseWriter, request *http.Request) {
	s.serveLive(writer, request, func(ctx context.Context, principal uuid.UUID) (rooms.Key, error) {
		notebookID, err := pathID(request, "notebook")
		if err != nil {
			return rooms.Key{}, err
		}
		if _, err := access.Require(ctx, s.store, principal, notebookID, access.Read); err != nil {
			return rooms.Key{}, err
		}
		return rooms.Notebook(notebookID), nil
	})
}

func (s *Server) liveNote(writer http.ResponseWriter, request *http.Request) {
	s.serveLive(writer, request, func(ctx context.Context, principal uuid.UUID) (rooms.Key, error) {
		notebookID, err := pathID(request, "notebook")
		if err != nil {
			return rooms.Key{}, err
		}
		if _, err := access.Require(ctx, s.store, principal, notebookID, access.Read); err != nil {
			return rooms.Key{}, err
		}
		note, err := s.pathNote(request, notebookID)
		if err != nil {
			return rooms.Key{}, err
		}
		return rooms.Note(notebookID, note.ID), nil
	})
}

// serveLive looks up the path token, lets authorize pick the room and then
// upgrades and pumps the room's messages until the viewer leaves. Once the
// token has been found it is removed on every way out of here. The client
// is registered before the upgrade completes so no broadcast issued after
// the viewer sees the handshake can miss it.
func (s *Server) serveLive(
	writer http.ResponseWriter,
	request *http.Request,
	authorize func(ctx context.Context, principal uuid.UUID) (rooms.Key, error),
) {
	token := mux.Vars(request)["token"]
	principal, ok := s.tokens.Get(token)
	if !ok {
		writeError(writer, request, fmt.Errorf("%w: unknown live token", auth.ErrUnauthorized))
		return
	}
	defer s.tokens.Remove(token)

	key, err := authorize(request.Context(), principal)
	if err != nil {
		writeError(writer, request, err)
		return
	}

	client, err := s.registry.CreateClient(key)
	if err != nil {
		writeError(writer, request, err)
		return
	}
	defer func() {
		if err := s.registry.RemoveClient(client, key); err != nil {
			slog.Error("failed to remove live client", "client", client.ID(), "err", err)
		}
	}()

	conn, err := s.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		slog.Error("failed to upgrade", "err", err)
		return
	}
	defer conn.Close()

	opts := s.conn
	if opts.Logger == nil {
		opts.Logger = slog.Default().With("client", client.ID(), "principal", principal)
	}
	if err := live.Serve(request.Context(), conn, client, opts); err != nil {
		slog.Error("live connection failed", "client", client.ID(), "room", key, "err", err)
	}
}

func (s *Server) roomsGraph(writer http.ResponseWriter, request *http.Request) {
	principal, ok := auth.Principal(request.Context())
	if !ok || !s.admins[principal] {
		writeError(writer, request, fmt.Errorf("%w: room graph is for admins", store.ErrNotFound))
		return
	}
	var buff bytes.Buffer
	if err := viz.RenderRoomsToSvg(s.registry.Rooms(), &buff); err != nil {
		writeError(writer, request, err)
		return
	}
	writer.Header().Set("Content-Type", "image/svg+xml")
	if _, err := writer.Write(buff.Bytes()); err != nil {
		slog.Error("failed to write out", "err", err)
	}
}
