package events

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDecoder(t *testing.T) *Decoder {
	t.Helper()
	d, err := NewDecoder()
	require.NoError(t, err)
	return d
}

func TestDecode_Variants(t *testing.T) {
	d := newDecoder(t)

	tests := []struct {
		name   string
		input  string
		expect Event
	}{
		{
			name:   "login with explicit type",
			input:  `{"type":"login","user_id":"alice","timestamp":"2026-03-02T21:15:00Z","ip_address":"10.0.0.1","success":false}`,
			expect: Login("alice", time.Date(2026, 3, 2, 21, 15, 0, 0, time.UTC), "10.0.0.1", false),
		},
		{
			name:   "login inferred, naive timestamp",
			input:  `{"user_id":"alice","timestamp":"2026-03-02T21:15:00.123456","ip_address":"10.0.0.1","success":true}`,
			expect: Login("alice", time.Date(2026, 3, 2, 21, 15, 0, 123456000, time.UTC), "10.0.0.1", true),
		},
		{
			name:   "file access lower-case action",
			input:  `{"user_id":"bob","timestamp":"2026-03-02T09:00:00+02:00","file_name":"salary_2026.xlsx","action":"download"}`,
			expect: FileAccess("bob", time.Date(2026, 3, 2, 7, 0, 0, 0, time.UTC), "salary_2026.xlsx", ActionDownload),
		},
		{
			name:   "network",
			input:  `{"type":"NETWORK","user_id":"carol","timestamp":"2026-03-02T09:00:00Z","remote_ip":"8.8.8.8","external":true}`,
			expect: Network("carol", time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC), "8.8.8.8", true),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := d.Decode([]byte(tt.input))
			require.NoError(t, err)
			assert.Equal(t, tt.expect.Kind, ev.Kind)
			assert.True(t, tt.expect.Timestamp.Equal(ev.Timestamp), "got %s", ev.Timestamp)
			ev.Timestamp = tt.expect.Timestamp
			assert.Equal(t, tt.expect, ev)
		})
	}
}

func TestDecode_Malformed(t *testing.T) {
	d := newDecoder(t)

	tests := []struct {
		name  string
		input string
		want  error
	}{
		{"not json", `{"user_id":`, ErrMalformedEvent},
		{"missing user", `{"timestamp":"2026-03-02T09:00:00Z","ip_address":"1.1.1.1","success":true}`, ErrMalformedEvent},
		{"bad timestamp", `{"user_id":"a","timestamp":"yesterday","ip_address":"1.1.1.1","success":true}`, ErrMalformedEvent},
		{"bad action", `{"user_id":"a","timestamp":"2026-03-02T09:00:00Z","file_name":"x","action":"RENAME"}`, ErrMalformedEvent},
		{"wrong type for success", `{"user_id":"a","timestamp":"2026-03-02T09:00:00Z","ip_address":"1.1.1.1","success":"yes"}`, ErrMalformedEvent},
		{"unknown type", `{"type":"usb","user_id":"a","timestamp":"2026-03-02T09:00:00Z"}`, ErrUnknownEventType},
		{"no discriminator", `{"user_id":"a","timestamp":"2026-03-02T09:00:00Z"}`, ErrUnknownEventType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.Decode([]byte(tt.input))
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestDecodeBatch(t *testing.T) {
	d := newDecoder(t)

	body := `[
		{"user_id":"a","timestamp":"2026-03-02T09:00:00Z","ip_address":"1.1.1.1","success":true},
		{"user_id":"a","timestamp":"nope","ip_address":"1.1.1.1","success":true},
		{"user_id":"a","timestamp":"2026-03-02T09:01:00Z","file_name":"notes.txt","action":"READ"}
	]`
	evs, failed, err := d.DecodeBatch([]byte(body))
	require.NoError(t, err)
	assert.Len(t, evs, 2)
	require.Len(t, failed, 1)
	assert.ErrorIs(t, failed[1], ErrMalformedEvent)

	single, failed, err := d.DecodeBatch([]byte(`{"user_id":"a","timestamp":"2026-03-02T09:00:00Z","remote_ip":"1.1.1.1","external":false}`))
	require.NoError(t, err)
	assert.Empty(t, failed)
	require.Len(t, single, 1)
	assert.Equal(t, KindNetwork, single[0].Kind)

	_, _, err = d.DecodeBatch([]byte("  "))
	assert.ErrorIs(t, err, ErrMalformedEvent)
}

func TestDecodeStream_DropsMalformedLines(t *testing.T) {
	d := newDecoder(t)

	input := strings.Join([]string{
		`{"user_id":"a","timestamp":"2026-03-02T09:00:00Z","ip_address":"1.1.1.1","success":true}`,
		`garbage`,
		``,
		`{"user_id":"a","timestamp":"2026-03-02T09:00:00Z","file_name":"f","action":"DELETE"}`,
		`{"user_id":"","timestamp":"2026-03-02T09:00:00Z","file_name":"f","action":"DELETE"}`,
	}, "\n")

	var got []Event
	stats, err := d.DecodeStream(strings.NewReader(input), func(ev Event) error {
		got = append(got, ev)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, StreamStats{Accepted: 2, Dropped: 2}, stats)
	require.Len(t, got, 2)
	assert.Equal(t, ActionDelete, got[1].Action)
}

func TestDecodeStream_CallbackErrorStops(t *testing.T) {
	d := newDecoder(t)
	input := `{"user_id":"a","timestamp":"2026-03-02T09:00:00Z","ip_address":"1.1.1.1","success":true}
{"user_id":"a","timestamp":"2026-03-02T09:00:00Z","ip_address":"1.1.1.1","success":true}`

	boom := errors.New("store down")
	stats, err := d.DecodeStream(strings.NewReader(input), func(Event) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, stats.Accepted)
}

func TestEvent_WireRoundTrip(t *testing.T) {
	d := newDecoder(t)
	ts := time.Date(2026, 3, 7, 23, 30, 0, 0, time.UTC)
	in := FileAccess("dave", ts, "private_keys.pem", ActionWrite)

	raw, err := in.MarshalJSON()
	require.NoError(t, err)
	out, err := d.Decode(raw)
	require.NoError(t, err)
	assert.True(t, in.Timestamp.Equal(out.Timestamp))
	out.Timestamp = in.Timestamp
	assert.Equal(t, in, out)
}

func TestEvent_HourAndWeekday(t *testing.T) {
	ev := Login("a", time.Date(2026, 3, 7, 23, 30, 0, 0, time.UTC), "1.1.1.1", true)
	assert.Equal(t, 23, ev.HourOfDay(nil))
	assert.Equal(t, time.Saturday, ev.Weekday(nil))

	loc := time.FixedZone("UTC+2", 2*3600)
	assert.Equal(t, 1, ev.HourOfDay(loc))
	assert.Equal(t, time.Sunday, ev.Weekday(loc))
}
