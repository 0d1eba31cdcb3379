package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParser_ReadLine(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{
			name:  "single frame",
			input: "{\"Ping\":true}\n",
			want:  []string{`{"Ping":true}`},
		},
		{
			name:  "two frames in one read",
			input: "{\"a\":1}\n{\"b\":2}\n",
			want:  []string{`{"a":1}`, `{"b":2}`},
		},
		{
			name:  "crlf and blank lines",
			input: "\n{\"a\":1}\r\n\r\n{\"b\":2}\n",
			want:  []string{`{"a":1}`, `{"b":2}`},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewParser(strings.NewReader(tt.input))
			for i, want := range tt.want {
				got, err := p.ReadLine()
				if err != nil {
					t.Fatalf("frame %d: ReadLine() error = %v", i, err)
				}
				if string(got) != want {
					t.Errorf("frame %d = %q, want %q", i, got, want)
				}
			}
			if _, err := p.ReadLine(); !errors.Is(err, ErrConnectionClosed) {
				t.Errorf("after last frame error = %v, want ErrConnectionClosed", err)
			}
		})
	}
}

func TestParser_PartialReads(t *testing.T) {
	input := "{\"first\":\"" + strings.Repeat("x", 100) + "\"}\n{\"second\":1}\n"
	p := NewParser(iotest.OneByteReader(strings.NewReader(input)))

	first, err := p.ReadLine()
	require.NoError(t, err)
	assert.True(t, json.Valid(first))

	second, err := p.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, `{"second":1}`, string(second))
}

func TestParser_LargeFrame(t *testing.T) {
	big := `{"Body":"` + strings.Repeat("A", 200<<10) + `"}`
	p := NewParser(strings.NewReader(big + "\n"))
	got, err := p.ReadLine()
	require.NoError(t, err)
	assert.Len(t, got, len(big))
}

func TestParser_ClosedConditions(t *testing.T) {
	tests := []struct {
		name string
		r    io.Reader
	}{
		{"empty stream", strings.NewReader("")},
		{"partial frame then EOF", strings.NewReader(`{"half":`)},
		{"read error", iotest.ErrReader(errors.New("reset by peer"))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewParser(tt.r).ReadLine()
			assert.ErrorIs(t, err, ErrConnectionClosed)
		})
	}
}

func TestWriter_WriteLine(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteLine([]byte(`{"a":1}`)))
	require.NoError(t, w.WriteLine([]byte(`{"b":2}`)))
	assert.Equal(t, "{\"a\":1}\n{\"b\":2}\n", buf.String())

	assert.Error(t, w.WriteLine([]byte("a\nb")))
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("broken pipe") }

func TestWriter_ClosedPeer(t *testing.T) {
	err := NewWriter(failingWriter{}).WriteLine([]byte("{}"))
	assert.ErrorIs(t, err, ErrConnectionClosed)
}

func TestFormatCommand(t *testing.T) {
	type args struct {
		Query   [][]string
		Storage int
	}
	out, err := FormatCommand(CmdStorageQuery, args{Query: [][]string{{"a"}}, Storage: 2})
	require.NoError(t, err)
	assert.JSONEq(t, `{"Command":"StorageQuery","Query":[["a"]],"Storage":2}`, string(out))

	out, err = FormatCommand(CmdPing, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"Command":"Ping"}`, string(out))
	assert.NotContains(t, string(out), "\n")

	_, err = FormatCommand(CmdPing, make(chan int))
	assert.Error(t, err)
}

func TestCheckFailure(t *testing.T) {
	tests := []struct {
		frame  string
		reason string
	}{
		{`{"Success":false,"Reason":"no such storage"}`, "no such storage"},
		{`{"Success":false}`, "unknown error"},
		{`{"Success":true}`, ""},
		{`{"Ping":true}`, ""},
	}
	for _, tt := range tests {
		err := CheckFailure(CmdPing, []byte(tt.frame))
		if tt.reason == "" {
			assert.NoError(t, err, tt.frame)
			continue
		}
		var ce *CommandError
		require.ErrorAs(t, err, &ce, tt.frame)
		assert.Equal(t, tt.reason, ce.Reason)
		assert.Equal(t, CmdPing, ce.Command)
	}
}

func TestPeekHelpers(t *testing.T) {
	frame := []byte(`{"Type":"httprequest","Id":"7","Action":"NewRequest"}`)
	assert.Equal(t, TypeHTTPRequest, NotificationType(frame))
	assert.Equal(t, ActionNewRequest, EventAction(frame))
	assert.Equal(t, `"7"`, string(FrameID(frame)))
	assert.Nil(t, FrameID([]byte(`{}`)))
	assert.False(t, IsValidJSON([]byte(`{"x":`)))
}

func TestIsValidCommand(t *testing.T) {
	assert.True(t, IsValidCommand(CmdCheckRequest))
	assert.False(t, IsValidCommand("Shutdown"))
	assert.True(t, IsInteractiveCommand(CmdIntercept))
	assert.False(t, IsInteractiveCommand(CmdPing))
}
