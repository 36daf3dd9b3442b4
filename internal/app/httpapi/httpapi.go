package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/NiklasEi/game-off-2021/internal/app/rooms"
	"github.com/NiklasEi/game-off-2021/pkg/presence"
)

const storeTimeout = 3 * time.Second

type Settings struct {
	ICEMode     string
	ICEServers  []webrtc.ICEServer
	PublicWSURL string
}

type Hub interface {
	HTTPHandler() http.Handler
}

// Deps is everything the router serves from.
type Deps struct {
	Hub      Hub
	Rooms    rooms.Store
	Presence presence.Store
	Settings Settings
	Logger   *logrus.Entry
}

// NewRouter wires every route. Any path not claimed by the API is treated as
// a room name and upgraded to a signaling websocket.
func NewRouter(d Deps) http.Handler {
	logger := d.Logger
	if logger == nil {
		logger = logrus.NewEntry(logrus.New())
	}
	logger = logger.WithField("prefix", "http")

	mux := http.NewServeMux()
	mux.Handle("/health", HealthHandler())
	mux.Handle("/api/settings", SettingsHandler(d.Settings, logger))
	mux.Handle("/api/rooms", CreateRoomHandler(d.Rooms, logger))
	mux.Handle("/api/rooms/", RoomLookupHandler(d.Rooms, d.Presence, logger))
	mux.Handle("/", d.Hub.HTTPHandler())
	return CORS(mux)
}

func HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}

var (
	corsMethods = strings.Join([]string{
		http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch,
		http.MethodDelete, http.MethodOptions, http.MethodHead,
	}, ", ")
	corsHeaders = strings.Join([]string{
		"Access-Control-Allow-Headers", "Access-Control-Request-Method",
		"Access-Control-Request-Headers", "Origin", "Accept",
		"X-Requested-With", "Content-Type",
	}, ", ")
)

// CORS allows any origin. Preflight requests are answered directly.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", corsMethods)
			w.Header().Set("Access-Control-Allow-Headers", corsHeaders)
			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func SettingsHandler(settings Settings, logger *logrus.Entry) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		payload := map[string]interface{}{
			"wsURL":      resolveWSURL(settings, r),
			"iceMode":    settings.ICEMode,
			"iceServers": settings.ICEServers,
		}
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			logger.WithError(err).Warn("settings encode")
		}
	})
}

func resolveWSURL(settings Settings, r *http.Request) string {
	if settings.PublicWSURL != "" {
		return strings.TrimSuffix(settings.PublicWSURL, "/")
	}

	proto := "ws"
	if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		proto = "wss"
	}

	host := r.Host
	if host == "" {
		host = "localhost:3536"
	}

	return fmt.Sprintf("%s://%s", proto, host)
}

func CreateRoomHandler(store rooms.Store, logger *logrus.Entry) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
		defer cancel()

		room, err := store.Create(ctx)
		if err != nil {
			logger.WithError(err).Error("room create")
			http.Error(w, "failed to create room", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		payload := map[string]interface{}{
			"code":      room.Code,
			"createdAt": room.CreatedAt,
			"url":       roomURL(r, room.Code),
		}
		_ = json.NewEncoder(w).Encode(payload)
	})
}

// RoomLookupHandler serves GET and DELETE on /api/rooms/{code}. Deleting a
// code only forgets it; peers already connected to that room stay connected.
func RoomLookupHandler(store rooms.Store, peers presence.Store, logger *logrus.Entry) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodDelete {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		code := strings.TrimPrefix(r.URL.Path, "/api/rooms/")
		code = strings.Trim(code, "/")
		ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
		defer cancel()

		if r.Method == http.MethodDelete {
			deleteRoom(ctx, w, r, store, code, logger)
			return
		}

		room, err := store.Get(ctx, code)
		if err != nil {
			if errors.Is(err, rooms.ErrNotFound) {
				http.NotFound(w, r)
				return
			}
			logger.WithError(err).WithField("code", code).Error("room lookup")
			http.Error(w, "failed to lookup room", http.StatusInternalServerError)
			return
		}

		members := []string{}
		if peers != nil {
			ids, err := peers.Peers(ctx, room.Code)
			if err != nil {
				logger.WithError(err).WithField("code", code).Warn("presence lookup")
			} else if ids != nil {
				members = ids
			}
		}

		w.Header().Set("Content-Type", "application/json")
		payload := map[string]interface{}{
			"code":      room.Code,
			"createdAt": room.CreatedAt,
			"url":       roomURL(r, room.Code),
			"peers":     members,
		}
		_ = json.NewEncoder(w).Encode(payload)
	})
}

func deleteRoom(ctx context.Context, w http.ResponseWriter, r *http.Request, store rooms.Store, code string, logger *logrus.Entry) {
	err := store.Delete(ctx, code)
	switch {
	case errors.Is(err, rooms.ErrNotFound):
		http.NotFound(w, r)
	case err != nil:
		logger.WithError(err).WithField("code", code).Error("room delete")
		http.Error(w, "failed to delete room", http.StatusInternalServerError)
	default:
		logger.WithField("code", code).Info("room code released")
		w.WriteHeader(http.StatusNoContent)
	}
}

// roomURL is the websocket URL a client connects to for code.
func roomURL(r *http.Request, code string) string {
	proto := "ws"
	if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		proto = "wss"
	}
	host := r.Host
	if host == "" {
		host = "localhost:3536"
	}
	return fmt.Sprintf("%s://%s/%s", proto, host, code)
}
