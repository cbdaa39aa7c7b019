package broadcast

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/shipit/pkg/capability"
)

func TestPushCommit_RoundTripKeepsBytes(t *testing.T) {
	raw := []byte(`{"ref": "refs/heads/main",  "repository": {"full_name":"acme/widget","default_branch":"main"}, "html": "<b>&</b>"}`)

	msg, err := PushCommit(raw)
	require.NoError(t, err)

	encoded, err := msg.Encode()
	require.NoError(t, err)

	decoded, err := Decode(encoded)
	require.NoError(t, err)
	require.Equal(t, TypePushCommit, decoded.Type)
	require.Equal(t, raw, []byte(decoded.Data))
}

func TestPushCommit_RejectsInvalidJSON(t *testing.T) {
	_, err := PushCommit([]byte(`{"ref":`))
	require.ErrorIs(t, err, ErrInvalidMessage)
}

func TestConstructors(t *testing.T) {
	msg := AssistantMessage("hello")
	encoded, err := msg.Encode()
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"assistant-message","data":"hello"}`, string(encoded))

	rel := &capability.Release{ID: 7, TagName: "v1.3.0", Name: "Release v1.3.0", HTMLURL: "https://example.test/r/7"}
	msg, err = ReleaseCreated(rel)
	require.NoError(t, err)
	require.Equal(t, TypeReleaseCreated, msg.Type)
	var got capability.Release
	require.NoError(t, msg.DecodeData(&got))
	require.Equal(t, rel.TagName, got.TagName)
	require.Equal(t, rel.HTMLURL, got.HTMLURL)

	_, err = ReleasePublished(nil)
	require.ErrorIs(t, err, ErrInvalidMessage)

	msg = Error("create-release", errors.New("boom"))
	var data ErrorData
	require.NoError(t, msg.DecodeData(&data))
	require.Equal(t, ErrorData{Event: "create-release", Message: "boom"}, data)
}

func TestDecode_ValidatesShape(t *testing.T) {
	valid := []string{
		`{"type":"greeting"}`,
		`{"type":"assistant-message","data":"hi"}`,
		`{"type":"push_commit","data":{"ref":"x"}}`,
		`{"type":"publish-release","data":{"id":1,"owner":"acme","repo":"widget"}}`,
		`{"type":"error","data":{"event":"greeting","message":"nope"}}`,
	}
	for _, raw := range valid {
		_, err := Decode([]byte(raw))
		require.NoError(t, err, raw)
	}

	invalid := []string{
		`not json`,
		`{"data":"x"}`,
		`{"type":"assistant-message","data":{"text":"hi"}}`,
		`{"type":"push_commit","data":"text"}`,
		`{"type":"publish-release","data":{"id":1}}`,
		`{"type":"error","data":{"event":3}}`,
	}
	for _, raw := range invalid {
		_, err := Decode([]byte(raw))
		require.ErrorIs(t, err, ErrInvalidMessage, raw)
	}
}

func TestDecode_UnknownType(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"wave","data":{}}`))
	require.ErrorIs(t, err, ErrUnknownType)
	require.Equal(t, MessageType("wave"), msg.Type)
}

func TestDecode_PublishRequest(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"publish-release","data":{"id":42,"owner":"acme","repo":"widget"}}`))
	require.NoError(t, err)

	var req PublishRequest
	require.NoError(t, msg.DecodeData(&req))
	require.Equal(t, PublishRequest{ID: 42, Owner: "acme", Repo: "widget"}, req)
	require.True(t, json.Valid(msg.Data))
}
