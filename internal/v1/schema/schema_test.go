package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFindPartnerPayloadValidate(t *testing.T) {
	valid := FindPartnerPayload{ChatType: "text"}
	assert.NoError(t, valid.Validate())

	invalid := FindPartnerPayload{ChatType: "carrier-pigeon"}
	assert.Error(t, invalid.Validate())
}

func TestSendFriendRequestPayloadValidate(t *testing.T) {
	assert.NoError(t, (&SendFriendRequestPayload{SenderAuthID: "a", ReceiverAuthID: "b"}).Validate())
	assert.Error(t, (&SendFriendRequestPayload{SenderAuthID: "", ReceiverAuthID: "b"}).Validate())
	assert.Error(t, (&SendFriendRequestPayload{SenderAuthID: "a", ReceiverAuthID: "a"}).Validate())

	tooLong := make([]byte, 501)
	assert.Error(t, (&SendFriendRequestPayload{SenderAuthID: "a", ReceiverAuthID: "b", Message: string(tooLong)}).Validate())
}

func TestAcceptFriendRequestPayloadValidate(t *testing.T) {
	assert.NoError(t, (&AcceptFriendRequestPayload{RequestID: "r1", AcceptingUserID: "u1"}).Validate())
	assert.Error(t, (&AcceptFriendRequestPayload{RequestID: "", AcceptingUserID: "u1"}).Validate())
}

func TestFriendshipStatusPayloadValidate(t *testing.T) {
	assert.NoError(t, (&FriendshipStatusPayload{User1AuthID: "a", User2AuthID: "b"}).Validate())
	assert.Error(t, (&FriendshipStatusPayload{User1AuthID: "a"}).Validate())
}

func TestSearchProfilesPayloadValidateDefaultsLimit(t *testing.T) {
	p := &SearchProfilesPayload{CurrentUserAuthID: "a", SearchTerm: "ab"}
	assert.NoError(t, p.Validate())
	assert.Equal(t, 20, p.Limit)

	tooShort := &SearchProfilesPayload{CurrentUserAuthID: "a", SearchTerm: "a"}
	assert.Error(t, tooShort.Validate())

	tooWide := &SearchProfilesPayload{CurrentUserAuthID: "a", SearchTerm: "ab", Limit: 500}
	assert.Error(t, tooWide.Validate())
}

func TestBatchStatusPayloadValidate(t *testing.T) {
	assert.NoError(t, (&BatchStatusPayload{RequesterID: "a", UserIDs: []string{"b"}}).Validate())
	assert.Error(t, (&BatchStatusPayload{RequesterID: "a", UserIDs: nil}).Validate())

	tooMany := make([]string, 101)
	assert.Error(t, (&BatchStatusPayload{RequesterID: "a", UserIDs: tooMany}).Validate())
}

func TestBlockPayloadValidate(t *testing.T) {
	assert.NoError(t, (&BlockPayload{BlockerAuthID: "a", BlockedAuthID: "b"}).Validate())
	assert.Error(t, (&BlockPayload{BlockerAuthID: "a", BlockedAuthID: "a"}).Validate())
}

func TestDecodeValidatesPayload(t *testing.T) {
	_, err := Decode[SendFriendRequestPayload]([]byte(`{"senderAuthId":"a","receiverAuthId":"a"}`))
	assert.Error(t, err)

	v, err := Decode[SendFriendRequestPayload]([]byte(`{"senderAuthId":"a","receiverAuthId":"b"}`))
	assert.NoError(t, err)
	assert.Equal(t, "a", v.SenderAuthID)
}
