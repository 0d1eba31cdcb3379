package codec

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/standardbeagle/mitmctl/internal/model"
)

const wireRequest = `{
	"DestHost": "example.com", "DestPort": 443, "UseTLS": true,
	"Method": "POST", "Path": "/api/v1?x=1", "ProtoMajor": 1, "ProtoMinor": 1,
	"Headers": {"Host": ["example.com"], "Accept": ["a", "b"]},
	"Tags": ["x", "y"],
	"Body": "aGVsbG8=",
	"StartTime": 1700000000000000000,
	"DbId": "12"
}`

func TestRequestRoundTrip(t *testing.T) {
	r, err := UnmarshalRequest([]byte(wireRequest), Options{StorageID: 3})
	require.NoError(t, err)

	assert.Equal(t, "POST", r.Method)
	assert.Equal(t, []byte("hello"), r.Body())
	assert.Equal(t, 3, r.StorageID)
	assert.Equal(t, "12", r.DbID)
	assert.True(t, r.Tags.Has("x"))
	assert.Equal(t, int64(1700000000000000000), r.StartTime.UnixNano())
	assert.True(t, r.EndTime.IsZero())
	assert.False(t, r.Headers.Has("Content-Length"), "decode keeps stored headers")

	out, err := json.Marshal(EncodeRequest(r, Full))
	require.NoError(t, err)

	var want, got map[string]any
	require.NoError(t, json.Unmarshal([]byte(wireRequest), &want))
	require.NoError(t, json.Unmarshal(out, &got))
	assert.Equal(t, want, got)
}

func TestResponseAndWSRoundTrip(t *testing.T) {
	rspJSON := `{"ProtoMajor":1,"ProtoMinor":0,"StatusCode":302,"Reason":"Found","Headers":{"Location":["/x"]},"Body":""}`
	rsp, err := UnmarshalResponse([]byte(rspJSON), Options{StorageID: 1})
	require.NoError(t, err)
	assert.Equal(t, 302, rsp.StatusCode)
	assert.Equal(t, 1, rsp.StorageID)
	out, _ := json.Marshal(EncodeResponse(rsp, Full))
	assert.JSONEq(t, rspJSON, string(out))

	wsJSON := `{"Message":"AAEC","IsBinary":true,"ToServer":false,"Timestamp":5,"DbId":"w1"}`
	ws, err := UnmarshalWSMessage([]byte(wsJSON), Options{StorageID: 2})
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 1, 2}, ws.Message)
	assert.Equal(t, 2, ws.StorageID)
	out, _ = json.Marshal(EncodeWSMessage(ws, Full))
	assert.JSONEq(t, wsJSON, string(out))
}

func TestNestedEntitiesGetStorageID(t *testing.T) {
	in := `{"Method":"GET","Path":"/","Headers":{},"Body":"",
		"Unmangled":{"Method":"GET","Path":"/orig","Headers":{},"Body":"","DbId":"1"},
		"Response":{"StatusCode":200,"Reason":"OK","Headers":{},"Body":"b2s=",
			"Unmangled":{"StatusCode":500,"Reason":"x","Headers":{},"Body":""}},
		"WSMessages":[{"Message":"aGk=","IsBinary":false,"ToServer":true}]}`
	r, err := UnmarshalRequest([]byte(in), Options{StorageID: 9})
	require.NoError(t, err)
	require.NotNil(t, r.Unmangled)
	require.NotNil(t, r.Response)
	require.NotNil(t, r.Response.Unmangled)
	require.Len(t, r.WSMessages, 1)
	assert.Equal(t, 9, r.Unmangled.StorageID)
	assert.Equal(t, 9, r.Response.StorageID)
	assert.Equal(t, 9, r.Response.Unmangled.StorageID)
	assert.Equal(t, 9, r.WSMessages[0].StorageID)
	assert.Equal(t, "/orig", r.Unmangled.URL.String())
}

func TestReplacementModeStripsSessionFields(t *testing.T) {
	r := model.NewRequest("GET", "/")
	r.DbID = "5"
	r.StartTime = time.Unix(10, 0)
	r.Unmangled = model.NewRequest("GET", "/old")
	r.Response = model.NewResponse(200, "OK")
	r.WSMessages = []*model.WSMessage{{Message: []byte("x")}}

	w := EncodeRequest(r, Replacement)
	assert.Nil(t, w.Unmangled)
	assert.Nil(t, w.Response)
	assert.Nil(t, w.WSMessages)
	assert.Nil(t, w.StartTime)
	assert.Empty(t, w.DbID)

	rsp := model.NewResponse(200, "OK")
	rsp.Unmangled = model.NewResponse(404, "Not Found")
	assert.Nil(t, EncodeResponse(rsp, Replacement).Unmangled)
}

func TestHeadersOnlyDecode(t *testing.T) {
	in := `{"Method":"GET","Path":"/","Headers":{"Content-Length":["400"]},"Body":"!!not base64!!"}`
	r, err := UnmarshalRequest([]byte(in), Options{HeadersOnly: true})
	require.NoError(t, err)
	assert.True(t, r.HeadersOnly)
	assert.Empty(t, r.Body())
	assert.Equal(t, 400, r.ContentLength())
}

func TestDecodeBase64Variants(t *testing.T) {
	payload := []byte{0xfb, 0xff, 0x01}
	inputs := []string{
		base64.StdEncoding.EncodeToString(payload),
		base64.RawStdEncoding.EncodeToString(payload[:2]),
		base64.URLEncoding.EncodeToString(payload),
		base64.RawURLEncoding.EncodeToString(payload[:2]),
	}
	for _, in := range inputs {
		if _, err := DecodeBase64(in); err != nil {
			t.Errorf("DecodeBase64(%q) error = %v", in, err)
		}
	}
	_, err := DecodeBase64("***")
	assert.ErrorIs(t, err, ErrBadBase64)
}

func TestMalformedInputIsDecodeError(t *testing.T) {
	tests := []string{
		`{"Method": 5}`,
		`{"Method":"GET","Path":"/","Headers":{},"Body":"@@@"}`,
		`not json`,
	}
	for _, in := range tests {
		_, err := UnmarshalRequest([]byte(in), Options{})
		var de *DecodeError
		if !errors.As(err, &de) {
			t.Errorf("UnmarshalRequest(%q) error = %v, want DecodeError", in, err)
		}
	}
}

func TestIDString(t *testing.T) {
	assert.Equal(t, "7", IDString(json.RawMessage(`"7"`)))
	assert.Equal(t, "42", IDString(json.RawMessage(`42`)))
	assert.True(t, IsEmptyEntity(json.RawMessage(`null`)))
	assert.True(t, IsEmptyEntity(nil))
	assert.False(t, IsEmptyEntity(json.RawMessage(`"3"`)))
}
