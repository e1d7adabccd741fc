package service

import (
	"context"
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/segment-chat/segment/crypto"
	"github.com/segment-chat/segment/models"
	"github.com/segment-chat/segment/store"
)

func (s *Service) Register(ctx context.Context, username string, password string) (models.User, error) {
	if !s.AllowRegistration {
		return models.User{}, models.NewApiError(models.MsgRegistrationDisabled)
	}
	if username == "" || password == "" {
		return models.User{}, models.NewApiError(models.MsgValidationError)
	}

	hash, err := crypto.HashPassword(password)
	if err != nil {
		return models.User{}, err
	}

	now := nowTimestamp()
	user := models.User{
		Username:     username,
		Password:     hash,
		RegisterDate: now,
		LoginDate:    now,
		LastSeen:     now,
		Devices:      []models.Device{},
	}

	if err := s.Store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrItemExists) {
			return models.User{}, models.NewApiError(models.MsgUsernameExists)
		}
		return models.User{}, err
	}

	return user, nil
}

// Login checks credentials and issues a session token bound to a device.
// An unknown or absent deviceId mints a new device so every client
// installation gets its own key slot.
func (s *Service) Login(ctx context.Context, username string, password string, deviceId string, deviceName string) (models.User, models.Device, string, error) {
	user, err := s.Store.GetUser(ctx, username)
	if err != nil {
		if errors.Is(err, store.ErrItemNotFound) {
			return models.User{}, models.Device{}, "", models.NewApiError(models.MsgUserNotFound)
		}
		return models.User{}, models.Device{}, "", err
	}

	if !crypto.VerifyPassword(password, user.Password) {
		return models.User{}, models.Device{}, "", models.NewApiError(models.MsgPasswordIncorrect)
	}

	var device models.Device
	if idx := user.FindDevice(deviceId); deviceId != "" && idx >= 0 {
		device = user.Devices[idx]
	} else {
		newId, err := uuid.NewV4()
		if err != nil {
			return models.User{}, models.Device{}, "", err
		}
		device = models.Device{
			DeviceId:   newId.String(),
			DeviceName: deviceName,
			Deprecated: []models.DeprecatedKey{},
		}
		user.Devices = append(user.Devices, device)
		if err := s.Store.UpdateUserDevices(ctx, username, user.Devices); err != nil {
			return models.User{}, models.Device{}, "", err
		}
	}

	now := nowTimestamp()
	user.LoginDate = now
	user.LastSeen = now
	if err := s.Store.UpdateUserLogin(ctx, username, now); err != nil {
		return models.User{}, models.Device{}, "", err
	}

	token, err := s.CreateJWT(username, device.DeviceId)
	if err != nil {
		return models.User{}, models.Device{}, "", err
	}

	return user, device, token, nil
}

func (s *Service) CreateJWT(username string, deviceId string) (string, error) {
	claims := jwt.MapClaims{
		"sub":      models.Subject(username, s.Hostname),
		"username": username,
		"device":   deviceId,
		"exp":      time.Now().Add(24 * time.Hour).Unix(),
		"iat":      time.Now().Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signedToken, err := token.SignedString(s.JWTSecret)
	if err != nil {
		return "", err
	}

	return signedToken, nil
}

func (s *Service) VerifyJWT(tokenString string) (string, string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		return s.JWTSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", "", err
	}

	if !token.Valid {
		return "", "", errors.New("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", "", errors.New("invalid token claims")
	}

	username, ok := claims["username"].(string)
	if !ok {
		return "", "", errors.New("missing username claim")
	}

	deviceId, ok := claims["device"].(string)
	if !ok {
		return "", "", errors.New("missing device claim")
	}

	return username, deviceId, nil
}

func (s *Service) AuthenticateToken(ctx context.Context, token string) (models.User, Caller, error) {
	if len(token) == 0 {
		return models.User{}, Caller{}, models.NewApiError(models.MsgUnauthorized)
	}

	username, deviceId, err := s.VerifyJWT(token)
	if err != nil {
		return models.User{}, Caller{}, models.NewApiError(models.MsgUnauthorized)
	}

	user, err := s.Store.GetUser(ctx, username)
	if err != nil {
		return models.User{}, Caller{}, models.NewApiError(models.MsgUnauthorized)
	}

	return user, s.LocalCaller(username, deviceId), nil
}
