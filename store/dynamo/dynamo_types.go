package dynamo

import (
	"encoding/json"

	"github.com/segment-chat/segment/models"
)

type dynamoUser struct {
	PK           string `dynamodbav:"PK"`
	SK           string `dynamodbav:"SK"`
	Username     string `dynamodbav:"Username"`
	Password     string `dynamodbav:"Password"`
	RegisterDate string `dynamodbav:"RegisterDate"`
	LoginDate    string `dynamodbav:"LoginDate"`
	LastSeen     string `dynamodbav:"LastSeen"`
	DevicesJSON  string `dynamodbav:"Devices"`
}

// Map domain User -> Dynamo. Devices are a nested document; stored as a
// JSON blob since they are only ever read and written whole.
func userToDynamo(u models.User) (dynamoUser, error) {
	devices, err := json.Marshal(u.Devices)
	if err != nil {
		return dynamoUser{}, err
	}
	return dynamoUser{
		PK:           "USER#" + u.Username,
		SK:           "PROFILE",
		Username:     u.Username,
		Password:     u.Password,
		RegisterDate: u.RegisterDate,
		LoginDate:    u.LoginDate,
		LastSeen:     u.LastSeen,
		DevicesJSON:  string(devices),
	}, nil
}

// Map Dynamo -> domain User
func userFromDynamo(du dynamoUser) (models.User, error) {
	user := models.User{
		Username:     du.Username,
		Password:     du.Password,
		RegisterDate: du.RegisterDate,
		LoginDate:    du.LoginDate,
		LastSeen:     du.LastSeen,
		Devices:      []models.Device{},
	}
	if du.DevicesJSON != "" {
		if err := json.Unmarshal([]byte(du.DevicesJSON), &user.Devices); err != nil {
			return models.User{}, err
		}
	}
	return user, nil
}

type dynamoRoom struct {
	PK               string `dynamodbav:"PK"`
	SK               string `dynamodbav:"SK"`
	RoomId           string `dynamodbav:"RoomId"`
	RoomName         string `dynamodbav:"RoomName"`
	RoomDescription  string `dynamodbav:"RoomDescription"`
	Visibility       string `dynamodbav:"Visibility"`
	RoomPassword     string `dynamodbav:"RoomPassword"`
	CreatedAt        string `dynamodbav:"CreatedAt"`
	ParticipantsJSON string `dynamodbav:"Participants"`
	EphemeralJSON    string `dynamodbav:"Ephemeral"`
	Version          int    `dynamodbav:"Version"`
}

// Map domain Room -> Dynamo
func roomToDynamo(r models.Room) (dynamoRoom, error) {
	participants, err := json.Marshal(r.Participants)
	if err != nil {
		return dynamoRoom{}, err
	}
	ephemeral, err := json.Marshal(r.Ephemeral)
	if err != nil {
		return dynamoRoom{}, err
	}
	return dynamoRoom{
		PK:               "ROOM#" + r.Id,
		SK:               "META",
		RoomId:           r.Id,
		RoomName:         r.RoomName,
		RoomDescription:  r.RoomDescription,
		Visibility:       r.RoomVisibility,
		RoomPassword:     r.RoomPassword,
		CreatedAt:        r.CreatedAt,
		ParticipantsJSON: string(participants),
		EphemeralJSON:    string(ephemeral),
		Version:          r.Version,
	}, nil
}

// Map Dynamo -> domain Room
func roomFromDynamo(dr dynamoRoom) (models.Room, error) {
	room := models.Room{
		Id:              dr.RoomId,
		RoomName:        dr.RoomName,
		RoomDescription: dr.RoomDescription,
		RoomVisibility:  dr.Visibility,
		RoomPassword:    dr.RoomPassword,
		CreatedAt:       dr.CreatedAt,
		Participants:    []models.Participant{},
		Version:         dr.Version,
	}
	if dr.ParticipantsJSON != "" {
		if err := json.Unmarshal([]byte(dr.ParticipantsJSON), &room.Participants); err != nil {
			return models.Room{}, err
		}
	}
	if dr.EphemeralJSON != "" {
		if err := json.Unmarshal([]byte(dr.EphemeralJSON), &room.Ephemeral); err != nil {
			return models.Room{}, err
		}
	}
	return room, nil
}

// dynamoMember mirrors one participant of a room so rooms can be listed
// per subject through GSI_RoomMembers. The room META item stays the
// source of truth for the participant list.
type dynamoMember struct {
	PK     string `dynamodbav:"PK"`
	SK     string `dynamodbav:"SK"`
	Sub    string `dynamodbav:"Sub"`
	RoomId string `dynamodbav:"RoomId"`
}

func memberToDynamo(roomId string, sub string) dynamoMember {
	return dynamoMember{
		PK:     "ROOM#" + roomId,
		SK:     "PART#" + sub,
		Sub:    sub,
		RoomId: roomId,
	}
}

type dynamoMessage struct {
	PK             string `dynamodbav:"PK"`
	SK             string `dynamodbav:"SK"`
	MessageId      string `dynamodbav:"MessageId"`
	RoomId         string `dynamodbav:"RoomId"`
	Sender         string `dynamodbav:"Sender"`
	Content        string `dynamodbav:"Content"`
	Signature      string `dynamodbav:"Signature"`
	EncryptionJSON string `dynamodbav:"Encryption"`
	Verified       string `dynamodbav:"Verified"`
	Timestamp      string `dynamodbav:"Timestamp"`
}

// Map domain RoomMessage -> Dynamo. The SK orders messages by timestamp
// with the id as tiebreaker.
func messageToDynamo(m models.RoomMessage) (dynamoMessage, error) {
	encryption := ""
	if m.Encryption != nil {
		raw, err := json.Marshal(m.Encryption)
		if err != nil {
			return dynamoMessage{}, err
		}
		encryption = string(raw)
	}
	verified := ""
	if m.Verified != nil {
		if *m.Verified {
			verified = "true"
		} else {
			verified = "false"
		}
	}
	return dynamoMessage{
		PK:             "MSG#" + m.Room,
		SK:             m.Timestamp + "#" + m.Id,
		MessageId:      m.Id,
		RoomId:         m.Room,
		Sender:         m.Sender,
		Content:        m.Body.Content,
		Signature:      m.Body.Signature,
		EncryptionJSON: encryption,
		Verified:       verified,
		Timestamp:      m.Timestamp,
	}, nil
}

// Map Dynamo -> domain RoomMessage
func messageFromDynamo(dm dynamoMessage) (models.RoomMessage, error) {
	msg := models.RoomMessage{
		Room:   dm.RoomId,
		Id:     dm.MessageId,
		Sender: dm.Sender,
		Body: models.MessageBody{
			Content:   dm.Content,
			Signature: dm.Signature,
		},
		Timestamp: dm.Timestamp,
	}
	if dm.EncryptionJSON != "" {
		var enc models.MessageEncryption
		if err := json.Unmarshal([]byte(dm.EncryptionJSON), &enc); err != nil {
			return models.RoomMessage{}, err
		}
		msg.Encryption = &enc
	}
	switch dm.Verified {
	case "true":
		v := true
		msg.Verified = &v
	case "false":
		v := false
		msg.Verified = &v
	}
	return msg, nil
}
