package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/marcomow/goatdb/bloom"
	"github.com/marcomow/goatdb/registry"
)

func testMessage(t *testing.T, numCommits int) *Message {
	t.Helper()
	f, err := bloom.New(max(1, numCommits), 0.01)
	require.NoError(t, err)
	m := &Message{
		BuildVersion: ProtocolVersion,
		Filter:       f,
		Size:         numCommits,
		AccessDenied: []string{"denied-1", "denied-2"},
	}
	for i := 0; i < numCommits; i++ {
		id := fmt.Sprintf("c%04d", i)
		f.Add(id)
		m.Values = append(m.Values, &Commit{
			ID:           id,
			Key:          fmt.Sprintf("k%04d", i),
			SchemaMarker: registry.NullMarker,
			Payload:      registry.Data{"i": float64(i)},
			Created:      time.UnixMilli(1700000000000 + int64(i)),
		})
	}
	return m
}

func TestMessageRoundTrip(t *testing.T) {
	m := testMessage(t, 100)
	data, err := EncodeMessage(m)
	require.NoError(t, err)

	got, err := DecodeMessage(data, registry.New(), zaptest.NewLogger(t))
	require.NoError(t, err)
	require.Equal(t, m.BuildVersion, got.BuildVersion)
	require.Equal(t, m.Size, got.Size)
	require.Equal(t, m.AccessDenied, got.AccessDenied)
	require.Len(t, got.Values, len(m.Values))
	for i, c := range m.Values {
		require.Equal(t, c.ID, got.Values[i].ID)
		require.Equal(t, c.Key, got.Values[i].Key)
		require.Equal(t, c.SchemaMarker, got.Values[i].SchemaMarker)
		require.Equal(t, c.Payload, got.Values[i].Payload)
		require.Equal(t, c.Created, got.Values[i].Created)
	}
	// the reconstructed filter answers membership identically
	for _, c := range m.Values {
		require.Equal(t, m.Filter.Has(c.ID), got.Filter.Has(c.ID))
	}
	for i := 0; i < 1000; i++ {
		id := fmt.Sprintf("other-%d", i)
		require.Equal(t, m.Filter.Has(id), got.Filter.Has(id))
	}
}

func TestDecodeSkipsCorruptCommit(t *testing.T) {
	m := testMessage(t, 100)
	data, err := EncodeMessage(m)
	require.NoError(t, err)
	var w messageWire
	require.NoError(t, json.Unmarshal(data, &w))
	w.Commits[42] = json.RawMessage(`{"k":"no-id"}`)
	w.Commits[43] = json.RawMessage(`[1,2,3]`)
	data, err = json.Marshal(w)
	require.NoError(t, err)

	before := testutil.ToFloat64(decodeCommitFailures)
	got, err := DecodeMessage(data, registry.New(), zaptest.NewLogger(t))
	require.NoError(t, err)
	require.Len(t, got.Values, 98)
	require.Equal(t, before+2, testutil.ToFloat64(decodeCommitFailures))
}

func TestDecodeFilterFailureIsFatal(t *testing.T) {
	m := testMessage(t, 3)
	data, err := EncodeMessage(m)
	require.NoError(t, err)
	var w messageWire
	require.NoError(t, json.Unmarshal(data, &w))

	w.Filter = nil
	data2, err := json.Marshal(w)
	require.NoError(t, err)
	_, err = DecodeMessage(data2, registry.New(), zaptest.NewLogger(t))
	require.ErrorIs(t, err, ErrDecodeFilter)

	w.Filter = json.RawMessage(`{"b":"###"}`)
	data2, err = json.Marshal(w)
	require.NoError(t, err)
	_, err = DecodeMessage(data2, registry.New(), zaptest.NewLogger(t))
	require.ErrorIs(t, err, ErrDecodeFilter)
}

func TestDecodeEmptySections(t *testing.T) {
	f, err := bloom.New(1, 0.5)
	require.NoError(t, err)
	data, err := EncodeMessage(&Message{BuildVersion: ProtocolVersion, Filter: f})
	require.NoError(t, err)
	got, err := DecodeMessage(data, registry.New(), zaptest.NewLogger(t))
	require.NoError(t, err)
	require.Empty(t, got.Values)
	require.Empty(t, got.AccessDenied)
}

func TestDecodeIgnoresUnknownFields(t *testing.T) {
	m := testMessage(t, 1)
	data, err := EncodeMessage(m)
	require.NoError(t, err)
	var env map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &env))
	env["future"] = json.RawMessage(`{"x":1}`)
	data, err = json.Marshal(env)
	require.NoError(t, err)
	got, err := DecodeMessage(data, registry.New(), zaptest.NewLogger(t))
	require.NoError(t, err)
	require.Len(t, got.Values, 1)
}

func TestDecodeNewerBuildTolerated(t *testing.T) {
	m := testMessage(t, 1)
	m.BuildVersion = ProtocolVersion + 5
	data, err := EncodeMessage(m)
	require.NoError(t, err)
	got, err := DecodeMessage(data, registry.New(), zaptest.NewLogger(t))
	require.NoError(t, err)
	require.Equal(t, ProtocolVersion+5, got.BuildVersion)
}

func TestDecodeUpgradesPayload(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.Register(&registry.Schema{
		NS: registry.NSUser, Version: 2,
		Upgrade: func(d registry.Data, _ *registry.Schema) registry.Data {
			d["email"] = ""
			return d
		},
	}))
	m := testMessage(t, 1)
	m.Values[0].SchemaMarker = "User/1"
	m.Values[0].Payload = registry.Data{"name": "alice"}
	data, err := EncodeMessage(m)
	require.NoError(t, err)

	got, err := DecodeMessage(data, reg, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.Equal(t, registry.Data{"name": "alice", "email": ""}, got.Values[0].Payload)
	// the original marker is preserved for later recognition
	require.Equal(t, "User/1", got.Values[0].SchemaMarker)
}

func TestDecodeUnknownMarkerReadAsNull(t *testing.T) {
	m := testMessage(t, 1)
	m.Values[0].SchemaMarker = "Exotic/7"
	m.Values[0].Payload = registry.Data{"x": true}
	data, err := EncodeMessage(m)
	require.NoError(t, err)
	got, err := DecodeMessage(data, registry.New(), zaptest.NewLogger(t))
	require.NoError(t, err)
	require.Equal(t, "Exotic/7", got.Values[0].SchemaMarker)
	require.Equal(t, registry.Data{"x": true}, got.Values[0].Payload)
}

func TestDecodeMissingVersionSurfacesOriginal(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.Register(&registry.Schema{
		NS: registry.NSUser, Version: 3,
		Upgrade: func(d registry.Data, _ *registry.Schema) registry.Data {
			d["v3"] = true
			return d
		},
	}))
	m := testMessage(t, 1)
	m.Values[0].SchemaMarker = "User/1"
	m.Values[0].Payload = registry.Data{"name": "bob"}
	data, err := EncodeMessage(m)
	require.NoError(t, err)
	got, err := DecodeMessage(data, reg, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.Equal(t, registry.Data{"name": "bob"}, got.Values[0].Payload)
	require.Equal(t, "User/1", got.Values[0].SchemaMarker)
}

func TestDecodeStreamCancellation(t *testing.T) {
	m := testMessage(t, 50)
	data, err := EncodeMessage(m)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = DecodeMessageStream(ctx, data, registry.New(), zaptest.NewLogger(t))
	require.ErrorIs(t, err, context.Canceled)
}

func TestDecodeStream(t *testing.T) {
	m := testMessage(t, 200)
	data, err := EncodeMessage(m)
	require.NoError(t, err)
	got, err := DecodeMessageStream(context.Background(), data, registry.New(), zaptest.NewLogger(t))
	require.NoError(t, err)
	require.Len(t, got.Values, 200)
}
