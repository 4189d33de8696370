package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/marcomow/goatdb/bloom"
	"github.com/marcomow/goatdb/registry"
	"github.com/marcomow/goatdb/sched"
)

// ProtocolVersion is the build version stamped on outgoing messages. A
// peer with a strictly newer version is tolerated; a peer with a much older
// one may fail to decode and is logged.
const ProtocolVersion = 3

// ErrDecodeFilter is returned when the filter of an incoming message cannot
// be reconstructed. Unlike a bad commit, a bad filter poisons the whole
// cycle.
var ErrDecodeFilter = errors.New("syncer: cannot decode peer filter")

// Message is one half of a sync round-trip: the sender's filter over its
// collection, its collection size, and the commits it suspects the peer
// lacks. AccessDenied lists commit IDs withheld by authorization.
//
// OrgID scopes the exchange in process; it is established by the transport
// session and not part of the wire envelope.
type Message struct {
	OrgID        string
	BuildVersion int
	Filter       *bloom.Filter
	Size         int
	Values       []*Commit
	AccessDenied []string
}

type commitWire struct {
	ID      string        `json:"id"`
	Key     string        `json:"k,omitempty"`
	Schema  string        `json:"sc"`
	Payload registry.Data `json:"d,omitempty"`
	Created int64         `json:"ts"` // unix milliseconds
}

type messageWire struct {
	Ver     int               `json:"ver"`
	Filter  json.RawMessage   `json:"f"`
	Size    int               `json:"s"`
	Commits []json.RawMessage `json:"c,omitempty"`
	Denied  []string          `json:"ad,omitempty"`
}

// EncodeMessage serializes a message to its wire form.
func EncodeMessage(m *Message) ([]byte, error) {
	fraw, err := json.Marshal(m.Filter)
	if err != nil {
		return nil, fmt.Errorf("syncer: encode filter: %w", err)
	}
	w := messageWire{
		Ver:    m.BuildVersion,
		Filter: fraw,
		Size:   m.Size,
		Denied: m.AccessDenied,
	}
	if len(m.Values) > 0 {
		w.Commits = make([]json.RawMessage, 0, len(m.Values))
		for _, c := range m.Values {
			craw, err := json.Marshal(commitWire{
				ID:      c.ID,
				Key:     c.Key,
				Schema:  c.SchemaMarker,
				Payload: c.Payload,
				Created: c.Created.UnixMilli(),
			})
			if err != nil {
				return nil, fmt.Errorf("syncer: encode commit %s: %w", c.ID, err)
			}
			w.Commits = append(w.Commits, craw)
		}
	}
	return json.Marshal(w)
}

// decodeOpts carries the collaborators of a message decode.
type decodeOpts struct {
	reg    *registry.Registry
	logger *zap.Logger
}

// DecodeMessage deserializes a wire envelope. The filter must always be
// reconstructed; its failure fails the decode. Individual commits that fail
// to decode are skipped and counted, so one corrupted commit cannot poison
// the batch. Unknown envelope fields are ignored.
func DecodeMessage(data []byte, reg *registry.Registry, logger *zap.Logger) (*Message, error) {
	return decodeMessage(context.Background(), data, decodeOpts{reg: reg, logger: logger}, false)
}

// DecodeMessageStream is DecodeMessage for large batches: it yields the
// processor between commit constructions. Cancelling ctx discards the
// partial message.
func DecodeMessageStream(ctx context.Context, data []byte, reg *registry.Registry, logger *zap.Logger) (*Message, error) {
	return decodeMessage(ctx, data, decodeOpts{reg: reg, logger: logger}, true)
}

func decodeMessage(ctx context.Context, data []byte, opts decodeOpts, stream bool) (*Message, error) {
	if opts.logger == nil {
		opts.logger = zap.NewNop()
	}
	var w messageWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: envelope: %v", ErrDecodeFilter, err)
	}
	if len(w.Filter) == 0 {
		decodeFilterFailures.Inc()
		return nil, fmt.Errorf("%w: missing", ErrDecodeFilter)
	}
	filter := new(bloom.Filter)
	if err := json.Unmarshal(w.Filter, filter); err != nil {
		decodeFilterFailures.Inc()
		return nil, fmt.Errorf("%w: %v", ErrDecodeFilter, err)
	}
	m := &Message{
		BuildVersion: w.Ver,
		Filter:       filter,
		Size:         w.Size,
		Values:       make([]*Commit, 0, len(w.Commits)),
		AccessDenied: w.Denied,
	}
	if m.BuildVersion > ProtocolVersion {
		opts.logger.Debug("peer runs a newer build",
			zap.Int("peer_version", m.BuildVersion),
			zap.Int("local_version", ProtocolVersion))
	}
	body := func(raw json.RawMessage) error {
		c, err := decodeCommit(raw, opts.reg)
		if err != nil {
			decodeCommitFailures.Inc()
			opts.logger.Warn("skipping undecodable commit", zap.Error(err))
			return nil
		}
		m.Values = append(m.Values, c)
		return nil
	}
	if stream {
		err := sched.ForEach(ctx, slices.Values(w.Commits), body, sched.Options{
			Priority: sched.Normal, Label: "decode-sync-message",
		})
		if err != nil {
			return nil, err
		}
	} else {
		for _, raw := range w.Commits {
			body(raw)
		}
	}
	return m, nil
}

// decodeCommit reconstructs a commit, upgrading its payload through the
// registry to the latest version of its namespace. The original schema
// marker is preserved on the commit regardless of the upgrade outcome: an
// unknown marker is read as the null schema, and a chain with a missing
// intermediate version surfaces the payload unchanged at its original
// version.
func decodeCommit(raw json.RawMessage, reg *registry.Registry) (*Commit, error) {
	var w commitWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("commit body: %w", err)
	}
	if w.ID == "" {
		return nil, errors.New("commit without id")
	}
	c := &Commit{
		ID:           w.ID,
		Key:          w.Key,
		SchemaMarker: w.Schema,
		Payload:      w.Payload,
		Created:      time.UnixMilli(w.Created),
	}
	from, ok := reg.Decode(w.Schema)
	if !ok || from.IsNull() {
		return c, nil
	}
	upgraded, _, err := reg.Upgrade(w.Payload, from, nil)
	if err != nil {
		// surface the payload unchanged at its original version
		return c, nil
	}
	c.Payload = upgraded
	return c, nil
}
