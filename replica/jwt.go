package replica

import (
	"errors"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// room tokens presented by a participant when dialing the relay.
// HS256 with a shared relay secret.

type ByRoomJwt struct {
	RoomId          string
	ParticipantName string
}

func GenerateRoomJwt(secret []byte, roomId string, participantName string, expiration time.Duration) (string, error) {
	claims := gojwt.MapClaims{
		"room_id":          roomId,
		"participant_name": participantName,
		"exp":              time.Now().Add(expiration).Unix(),
	}
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

func ParseRoomJwt(secret []byte, jwt string) (*ByRoomJwt, error) {
	token, err := gojwt.Parse(
		jwt,
		func(token *gojwt.Token) (any, error) {
			return secret, nil
		},
		gojwt.WithValidMethods([]string{gojwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(gojwt.MapClaims)
	if !ok {
		return nil, errors.New("bad claims")
	}

	byRoomJwt := &ByRoomJwt{}
	if roomId, ok := claims["room_id"].(string); ok {
		byRoomJwt.RoomId = roomId
	}
	if participantName, ok := claims["participant_name"].(string); ok {
		byRoomJwt.ParticipantName = participantName
	}
	if byRoomJwt.RoomId == "" {
		return nil, errors.New("missing room_id")
	}
	return byRoomJwt, nil
}
