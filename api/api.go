package api

import (
	"context"
	"crypto/rsa"
	"log"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/segment-chat/segment/api/rest"
	"github.com/segment-chat/segment/api/ws"
	"github.com/segment-chat/segment/cache"
	"github.com/segment-chat/segment/federation"
	"github.com/segment-chat/segment/mq"
	"github.com/segment-chat/segment/service"
	"github.com/segment-chat/segment/store"
	"github.com/segment-chat/segment/worker"
)

type SegmentAPI struct {
	Service     *service.Service
	restHandler *rest.Handler
	wsHandler   *ws.Handler
	shutdownCtx context.Context
}

type Config struct {
	Hostname          string
	JWTSecret         []byte
	AllowRegistration bool
	Blocklist         []string
	// InsecureHTTP switches federation calls to plain http for local setups.
	InsecureHTTP bool
	PrivateKey   *rsa.PrivateKey
}

func NewSegmentAPI(
	segmentStore store.SegmentStore,
	roomSyncQueue mq.MessageQueue,
	segmentCache cache.SegmentCache,
	cfg Config,
	shutdownCtx context.Context,
) (*SegmentAPI, error) {
	wsHub := ws.NewHub(segmentCache)
	err := wsHub.InitSubscriptions(shutdownCtx)
	if err != nil {
		log.Printf("Failed to start WS Hub subscriptions service: %v", err)
		return &SegmentAPI{}, err
	}
	go wsHub.Run()

	directory := federation.NewDirectory(segmentCache, cfg.Blocklist, cfg.InsecureHTTP)
	federationClient := federation.NewClient(cfg.Hostname, cfg.PrivateKey, directory, directory)

	svc := service.NewService(
		segmentStore,
		segmentCache,
		roomSyncQueue,
		directory,
		directory,
		federationClient,
		cfg.Hostname,
		cfg.JWTSecret,
		cfg.AllowRegistration,
		cfg.PrivateKey,
	)

	syncConsumer := worker.NewSyncConsumer(roomSyncQueue, svc)
	go syncConsumer.Run(shutdownCtx)

	restHandler := rest.NewHandler(svc)
	wsHandler := ws.NewHandler(svc, wsHub)

	return &SegmentAPI{
		Service:     svc,
		restHandler: restHandler,
		wsHandler:   wsHandler,
		shutdownCtx: shutdownCtx,
	}, nil
}

func (segmentAPI *SegmentAPI) Router(allowedOrigin string) http.Handler {
	router := mux.NewRouter()

	// Health check endpoint (no auth required)
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods(http.MethodGet)

	// Federation surface
	router.HandleFunc("/server/keys", segmentAPI.restHandler.HandleServerKeys).Methods(http.MethodGet)
	router.HandleFunc("/server/keys/{userId}", segmentAPI.restHandler.HandleServerUserKeys).Methods(http.MethodGet)
	router.HandleFunc("/server/rooms/join", segmentAPI.restHandler.HandleServerJoinRoom).Methods(http.MethodPost)
	router.HandleFunc("/server/rooms/sync", segmentAPI.restHandler.HandleServerSyncRoom).Methods(http.MethodPost)

	// Client surface
	router.HandleFunc("/client/auth/register", segmentAPI.restHandler.HandleRegister).Methods(http.MethodPost)
	router.HandleFunc("/client/auth/login", segmentAPI.restHandler.HandleLogin).Methods(http.MethodPost)
	router.HandleFunc("/client/me", segmentAPI.restHandler.HandleMe).Methods(http.MethodGet)
	router.HandleFunc("/client/keys", segmentAPI.restHandler.HandleKeys)
	router.HandleFunc("/client/rooms", segmentAPI.restHandler.HandleRooms)
	router.HandleFunc("/client/rooms/public", segmentAPI.restHandler.HandlePublicRooms).Methods(http.MethodGet)
	router.HandleFunc("/client/rooms/join", segmentAPI.restHandler.HandleJoinRoom).Methods(http.MethodPost)
	router.HandleFunc("/client/rooms/{roomId}", segmentAPI.restHandler.HandleRoom)
	router.HandleFunc("/client/rooms/{roomId}/accept", segmentAPI.restHandler.HandleAcceptInvitation).Methods(http.MethodPost)
	router.HandleFunc("/client/rooms/{roomId}/sync", segmentAPI.restHandler.HandleRoomSync).Methods(http.MethodPost)
	router.HandleFunc("/client/rooms/{roomId}/messages", segmentAPI.restHandler.HandleMessages)
	router.HandleFunc("/client/rooms/{roomId}/dh/submit", segmentAPI.restHandler.HandleSubmitDHKey).Methods(http.MethodPut)

	wsUpgrader := segmentAPI.wsHandler.NewWsUpgrader(allowedOrigin)
	router.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		segmentAPI.wsHandler.ServeWS(wsUpgrader, w, r, segmentAPI.shutdownCtx)
	})

	corsMiddleware := cors.New(cors.Options{
		AllowedOrigins: []string{allowedOrigin},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	})

	return corsMiddleware.Handler(router)
}
