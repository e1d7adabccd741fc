package dynamo

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/segment-chat/segment/models"
	"github.com/segment-chat/segment/store"
)

// DynamoSegmentStore keeps everything in one table:
//
//	USER#<name> / PROFILE     user profile and device keys
//	ROOM#<id>   / META        room document (versioned)
//	ROOM#<id>   / PART#<sub>  membership mirror, indexed by GSI_RoomMembers (Sub)
//	MSG#<room>  / <ts>#<id>   messages, timestamp-ordered
//
// GSI_PublicRooms indexes META items by the Visibility attribute.
type DynamoSegmentStore struct {
	client    *dynamodb.Client
	tableName string
}

func NewDynamoSegmentStore(ctx context.Context, devMode bool, dynamodbEndpoint string, tableName string) (*DynamoSegmentStore, error) {
	client, err := newDynamoDBClient(ctx, devMode, dynamodbEndpoint)
	if err != nil {
		return nil, err
	}

	tables, err := getTables(client, ctx)
	if err != nil {
		return nil, err
	}

	foundTable := false
	for _, table := range tables {
		if table == tableName {
			foundTable = true
			break
		}
	}
	if !foundTable {
		return nil, fmt.Errorf("given table name '%s' not found in dynamodb", tableName)
	}

	return &DynamoSegmentStore{client: client, tableName: tableName}, nil
}

func (dynamoStore *DynamoSegmentStore) CreateUser(ctx context.Context, user models.User) error {
	du, err := userToDynamo(user)
	if err != nil {
		return err
	}
	return insertItem(dynamoStore, ctx, du)
}

func (dynamoStore *DynamoSegmentStore) GetUser(ctx context.Context, username string) (models.User, error) {
	du, err := getItem[dynamoUser](dynamoStore, ctx, "USER#"+username, "PROFILE", false)
	if err != nil {
		return models.User{}, err
	}
	return userFromDynamo(du)
}

func (dynamoStore *DynamoSegmentStore) UpdateUserDevices(ctx context.Context, username string, devices []models.Device) error {
	raw, err := json.Marshal(devices)
	if err != nil {
		return err
	}
	du := dynamoUser{
		PK:          "USER#" + username,
		SK:          "PROFILE",
		DevicesJSON: string(raw),
	}
	_, err = updateItemFields(dynamoStore, ctx, du, []string{"Devices"})
	return err
}

func (dynamoStore *DynamoSegmentStore) UpdateUserLogin(ctx context.Context, username string, loginDate string) error {
	du := dynamoUser{
		PK:        "USER#" + username,
		SK:        "PROFILE",
		LoginDate: loginDate,
		LastSeen:  loginDate,
	}
	_, err := updateItemFields(dynamoStore, ctx, du, []string{"LoginDate", "LastSeen"})
	return err
}

func (dynamoStore *DynamoSegmentStore) CreateRoom(ctx context.Context, room models.Room) (models.Room, error) {
	room.Version = 0
	dr, err := roomToDynamo(room)
	if err != nil {
		return models.Room{}, err
	}
	if err := insertItem(dynamoStore, ctx, dr); err != nil {
		return models.Room{}, err
	}

	for _, p := range room.Participants {
		if err := putItem(dynamoStore, ctx, memberToDynamo(room.Id, p.Sub)); err != nil {
			return models.Room{}, err
		}
	}

	return room, nil
}

func (dynamoStore *DynamoSegmentStore) GetRoom(ctx context.Context, roomId string) (models.Room, error) {
	dr, err := getItem[dynamoRoom](dynamoStore, ctx, "ROOM#"+roomId, "META", false)
	if err != nil {
		return models.Room{}, err
	}
	return roomFromDynamo(dr)
}

func (dynamoStore *DynamoSegmentStore) GetRoomsForParticipant(ctx context.Context, sub string) ([]models.Room, error) {
	pks, err := queryAllByGSI(dynamoStore, ctx, "GSI_RoomMembers", "Sub", sub)
	if err != nil {
		return nil, err
	}

	rooms := make([]models.Room, 0, len(pks))
	for _, pk := range pks {
		// PK format is ROOM#<id>
		roomId := strings.TrimPrefix(pk, "ROOM#")
		room, err := dynamoStore.GetRoom(ctx, roomId)
		if err != nil {
			if err == store.ErrItemNotFound {
				continue // stale mirror entry
			}
			return nil, err
		}
		rooms = append(rooms, room)
	}

	return rooms, nil
}

func (dynamoStore *DynamoSegmentStore) GetPublicRooms(ctx context.Context) ([]models.Room, error) {
	pks, err := queryAllByGSI(dynamoStore, ctx, "GSI_PublicRooms", "Visibility", "public")
	if err != nil {
		return nil, err
	}

	rooms := make([]models.Room, 0, len(pks))
	for _, pk := range pks {
		roomId := strings.TrimPrefix(pk, "ROOM#")
		room, err := dynamoStore.GetRoom(ctx, roomId)
		if err != nil {
			if err == store.ErrItemNotFound {
				continue
			}
			return nil, err
		}
		rooms = append(rooms, room)
	}

	return rooms, nil
}

func (dynamoStore *DynamoSegmentStore) UpdateRoomParticipants(ctx context.Context, roomId string, participants []models.Participant, version int) (models.Room, error) {
	raw, err := json.Marshal(participants)
	if err != nil {
		return models.Room{}, err
	}

	dr, err := updateVersionedField[dynamoRoom](dynamoStore, ctx, "ROOM#"+roomId, "META", "Participants", string(raw), version)
	if err != nil {
		return models.Room{}, err
	}

	if err := dynamoStore.syncMemberMirror(ctx, roomId, participants); err != nil {
		return models.Room{}, err
	}

	return roomFromDynamo(dr)
}

func (dynamoStore *DynamoSegmentStore) UpdateRoomEphemeral(ctx context.Context, roomId string, ephemeral []models.EphemeralEntry, version int) (models.Room, error) {
	raw, err := json.Marshal(ephemeral)
	if err != nil {
		return models.Room{}, err
	}

	dr, err := updateVersionedField[dynamoRoom](dynamoStore, ctx, "ROOM#"+roomId, "META", "Ephemeral", string(raw), version)
	if err != nil {
		return models.Room{}, err
	}

	return roomFromDynamo(dr)
}

func (dynamoStore *DynamoSegmentStore) DeleteRoom(ctx context.Context, roomId string) error {
	members, err := queryBySKPrefix[dynamoMember](dynamoStore, ctx, "ROOM#"+roomId, "PART#")
	if err != nil {
		return err
	}
	for _, m := range members {
		if err := deleteItem(dynamoStore, ctx, m.PK, m.SK); err != nil {
			return err
		}
	}
	return deleteItem(dynamoStore, ctx, "ROOM#"+roomId, "META")
}

// syncMemberMirror reconciles the PART# items with the participant list
// just written to the META item.
func (dynamoStore *DynamoSegmentStore) syncMemberMirror(ctx context.Context, roomId string, participants []models.Participant) error {
	existing, err := queryBySKPrefix[dynamoMember](dynamoStore, ctx, "ROOM#"+roomId, "PART#")
	if err != nil {
		return err
	}

	current := make(map[string]struct{}, len(participants))
	for _, p := range participants {
		current[p.Sub] = struct{}{}
	}

	mirrored := make(map[string]struct{}, len(existing))
	for _, m := range existing {
		mirrored[m.Sub] = struct{}{}
		if _, ok := current[m.Sub]; !ok {
			if err := deleteItem(dynamoStore, ctx, m.PK, m.SK); err != nil {
				return err
			}
		}
	}

	for _, p := range participants {
		if _, ok := mirrored[p.Sub]; !ok {
			if err := putItem(dynamoStore, ctx, memberToDynamo(roomId, p.Sub)); err != nil {
				return err
			}
		}
	}

	return nil
}

func (dynamoStore *DynamoSegmentStore) SaveMessage(ctx context.Context, message models.RoomMessage) error {
	dm, err := messageToDynamo(message)
	if err != nil {
		return err
	}
	// Plain put: re-saving the same message id is idempotent
	return putItem(dynamoStore, ctx, dm)
}

// Deepest history page served per query. Anything beyond this would ask
// Dynamo to walk the whole partition.
const maxMessagePage = 1000

// messageQueryLimit bounds a newest-first history fetch. The page is
// clamped so the limit stays positive and within int32; an unclamped
// page would overflow the conversion and turn the query into a full
// partition scan.
func messageQueryLimit(page int, pageSize int) (int, int32) {
	if page < 1 {
		page = 1
	}
	if page > maxMessagePage {
		page = maxMessagePage
	}
	return page, int32(page * pageSize)
}

func (dynamoStore *DynamoSegmentStore) GetMessages(ctx context.Context, roomId string, page int, pageSize int) ([]models.RoomMessage, error) {
	// Fetch newest-first up to the requested page boundary, then slice.
	page, limit := messageQueryLimit(page, pageSize)
	dynamoMessages, err := queryAllByPK[dynamoMessage](dynamoStore, ctx, "MSG#"+roomId, false, limit)
	if err != nil {
		return nil, err
	}

	start := (page - 1) * pageSize
	if start >= len(dynamoMessages) {
		return []models.RoomMessage{}, nil
	}
	dynamoMessages = dynamoMessages[start:]

	messages := make([]models.RoomMessage, 0, len(dynamoMessages))
	for _, dm := range dynamoMessages {
		msg, err := messageFromDynamo(dm)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}

	return messages, nil
}

func (dynamoStore *DynamoSegmentStore) GetAllMessages(ctx context.Context, roomId string) ([]models.RoomMessage, error) {
	dynamoMessages, err := queryAllByPK[dynamoMessage](dynamoStore, ctx, "MSG#"+roomId, true, 0)
	if err != nil {
		return nil, err
	}

	messages := make([]models.RoomMessage, 0, len(dynamoMessages))
	for _, dm := range dynamoMessages {
		msg, err := messageFromDynamo(dm)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}

	return messages, nil
}
