package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/segment-chat/segment/api"
	"github.com/segment-chat/segment/cache/redis"
	"github.com/segment-chat/segment/crypto"
	"github.com/segment-chat/segment/mq/sqsmq"
	"github.com/segment-chat/segment/store/dynamo"
)

const (
	DynamoDBTable    = "Segment"
	SQSRoomSyncQueue = "RoomSyncQueue"
)

func main() {
	ctx := context.Background()
	devMode := os.Getenv("DEV_MODE") == "true"

	if devMode {
		if err := godotenv.Load(); err != nil {
			log.Printf("No .env file loaded: %v", err)
		}
	}

	segmentStore, err := dynamo.NewDynamoSegmentStore(ctx, devMode, os.Getenv("DYNAMODB_ENDPOINT"), DynamoDBTable)
	if err != nil {
		log.Fatalf("Failed to create dynamodb store: %v", err)
	}

	roomSyncQueue, err := sqsmq.NewSQSMessageQueue(ctx, devMode, os.Getenv("SQS_ENDPOINT"), SQSRoomSyncQueue)
	if err != nil {
		log.Fatalf("Failed to create SQS MQ: %v", err)
	}

	segmentCache, err := redis.NewRedisSegmentCache(ctx, devMode, os.Getenv("REDIS_ENDPOINT"))
	if err != nil {
		log.Fatalf("Failed to create redis cache: %v", err)
	}

	hostname := os.Getenv("HOSTNAME")
	if hostname == "" {
		log.Fatalf("HOSTNAME must be set: it is the federation identity of this server")
	}

	jwtSecret, err := base64.StdEncoding.DecodeString(os.Getenv("JWT_SECRET"))
	if err != nil {
		log.Fatalf("Failed to decode base64 jwtSecret: %v", err)
	}

	privateKey, err := loadServerKey(os.Getenv("SERVER_KEY_FILE"), devMode)
	if err != nil {
		log.Fatalf("Failed to load server key: %v", err)
	}

	var blocklist []string
	if raw := os.Getenv("BLOCKLIST"); raw != "" {
		for _, entry := range strings.Split(raw, ",") {
			if entry = strings.TrimSpace(entry); entry != "" {
				blocklist = append(blocklist, entry)
			}
		}
	}

	shutdownCtx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer stop()

	segmentAPI, err := api.NewSegmentAPI(segmentStore, roomSyncQueue, segmentCache, api.Config{
		Hostname:          hostname,
		JWTSecret:         jwtSecret,
		AllowRegistration: os.Getenv("ALLOW_REGISTRATION") != "false",
		Blocklist:         blocklist,
		InsecureHTTP:      devMode && os.Getenv("FEDERATION_INSECURE_HTTP") == "true",
		PrivateKey:        privateKey,
	}, shutdownCtx)
	if err != nil {
		log.Fatalf("Failed to create segment api: %v", err)
	}

	handler := segmentAPI.Router(os.Getenv("ALLOWED_ORIGIN"))

	hostPort := "8080"
	if p := os.Getenv("HOST_PORT"); p != "" {
		hostPort = p
	}
	log.Printf("Starting server on host port: %s\n", hostPort)
	log.Fatal(http.ListenAndServe(":"+hostPort, handler))
}

// loadServerKey reads the server's signing key from keyFile. In dev mode a
// missing file gets a freshly generated key written back so local setups
// keep a stable federation identity across restarts.
func loadServerKey(keyFile string, devMode bool) (*rsa.PrivateKey, error) {
	if keyFile == "" {
		keyFile = "server_key.pem"
	}

	pemBytes, err := os.ReadFile(keyFile)
	if err == nil {
		return crypto.ParsePrivateKey(string(pemBytes))
	}
	if !os.IsNotExist(err) || !devMode {
		return nil, err
	}

	log.Printf("Server key %s not found, generating a new one", keyFile)
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(keyFile, []byte(crypto.EncodePrivateKey(privateKey)), 0600); err != nil {
		return nil, err
	}
	return privateKey, nil
}
