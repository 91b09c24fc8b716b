package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"

	"chatd/pkg/convkey"
	"chatd/pkg/logger"
	"chatd/pkg/models"

	"github.com/cockroachdb/pebble"
)

var db *pebble.DB
var dbPath string

// seq provides a small counter to reduce key collisions when multiple
// messages share the same nanosecond timestamp.
var seq uint64

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// summaryLocks serializes summary read-modify-write cycles per
// conversation key. Stripe count is a tradeoff between footprint and
// cross-key contention.
var summaryLocks [64]sync.Mutex

func lockFor(key string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &summaryLocks[h.Sum32()%uint32(len(summaryLocks))]
}

// Open opens (or creates) a Pebble database at the given path and keeps
// a global handle for simple usage in this package.
func Open(path string) error {
	var err error
	logger.Info("opening_pebble_db", "path", path)
	db, err = pebble.Open(path, &pebble.Options{})
	if err != nil {
		logger.Error("pebble_open_failed", "path", path, "error", err)
		return err
	}
	dbPath = path
	logger.Info("pebble_opened", "path", path)
	return nil
}

// Close closes the opened pebble DB if present.
func Close() error {
	if db == nil {
		return nil
	}
	if err := db.Close(); err != nil {
		return err
	}
	db = nil
	logger.Info("pebble_closed")
	return nil
}

// Ready reports whether the store is opened and ready.
func Ready() bool {
	return db != nil
}

func msgKey(conversationKey string, ts int64, s uint64) string {
	// Key format: chat:<key>:msg:<unix_nano_padded>-<seq>; padding keeps
	// byte order equal to timestamp order under prefix iteration.
	return fmt.Sprintf("chat:%s:msg:%020d-%06d", conversationKey, ts, s)
}

func summaryKey(conversationKey string) []byte {
	return []byte("chat:" + conversationKey + ":summary")
}

func memberKey(participant, conversationKey string) []byte {
	return []byte("member:" + participant + ":" + conversationKey)
}

// SaveMessage appends a message to its conversation. The message carries
// the timestamp assigned at receipt; the key embeds it so messages list
// back in timestamp order.
func SaveMessage(msg models.Message) error {
	if db == nil {
		return fmt.Errorf("pebble not opened; call store.Open first")
	}
	s := atomic.AddUint64(&seq, 1)
	key := msgKey(msg.ConversationKey, msg.Timestamp, s)

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if err := db.Set([]byte(key), data, pebble.Sync); err != nil {
		logger.Error("save_message_failed", "conversation", msg.ConversationKey, "key", key, "error", err)
		return err
	}
	logger.Debug("message_saved", "conversation", msg.ConversationKey, "key", key)
	return nil
}

// ListMessages returns all messages for a conversation in ascending
// timestamp order. An unknown conversation yields an empty slice.
func ListMessages(conversationKey string, limit ...int) ([]models.Message, error) {
	if db == nil {
		return nil, fmt.Errorf("pebble not opened; call store.Open first")
	}
	prefix := []byte("chat:" + conversationKey + ":msg:")
	iter, err := db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	max := -1
	if len(limit) > 0 {
		max = limit[0]
	}
	out := []models.Message{}
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		var m models.Message
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			logger.Error("list_messages_bad_record", "key", string(iter.Key()), "error", err)
			return nil, fmt.Errorf("invalid message record: %w", err)
		}
		out = append(out, m)
		if max > 0 && len(out) >= max {
			break
		}
	}
	return out, iter.Error()
}

// AddMembership records that participant belongs to the conversation.
// The write is a fixed-key marker, so repeated joins are no-ops.
func AddMembership(participant, conversationKey string) error {
	if db == nil {
		return fmt.Errorf("pebble not opened; call store.Open first")
	}
	if err := db.Set(memberKey(participant, conversationKey), []byte("1"), pebble.Sync); err != nil {
		logger.Error("save_membership_failed", "participant", participant, "conversation", conversationKey, "error", err)
		return err
	}
	logger.Debug("membership_saved", "participant", participant, "conversation", conversationKey)
	return nil
}

// ListMemberships returns the conversation keys the participant belongs to.
func ListMemberships(participant string) ([]string, error) {
	if db == nil {
		return nil, fmt.Errorf("pebble not opened; call store.Open first")
	}
	prefix := []byte("member:" + participant + ":")
	iter, err := db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []string
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		out = append(out, string(iter.Key()[len(prefix):]))
	}
	return out, iter.Error()
}

// GetSummary returns the stored summary for a conversation.
func GetSummary(conversationKey string) (models.Summary, error) {
	var sum models.Summary
	if db == nil {
		return sum, fmt.Errorf("pebble not opened; call store.Open first")
	}
	v, closer, err := db.Get(summaryKey(conversationKey))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return sum, ErrNotFound
		}
		return sum, err
	}
	defer closer.Close()
	if err := json.Unmarshal(v, &sum); err != nil {
		return sum, fmt.Errorf("invalid summary record: %w", err)
	}
	return sum, nil
}

func putSummary(sum models.Summary) error {
	data, err := json.Marshal(sum)
	if err != nil {
		return fmt.Errorf("failed to marshal summary: %w", err)
	}
	return db.Set(summaryKey(sum.ConversationKey), data, pebble.Sync)
}

// UpsertSummaryOnMessage folds a newly appended message into the
// conversation summary: first message creates the record with an unread
// count of 1, later messages bump the count and refresh last message and
// timestamp. UserID/OwnerID are fixed at creation and never rewritten.
// The read-modify-write runs under a per-key lock.
func UpsertSummaryOnMessage(msg models.Message) (models.Summary, error) {
	if db == nil {
		return models.Summary{}, fmt.Errorf("pebble not opened; call store.Open first")
	}
	mu := lockFor(msg.ConversationKey)
	mu.Lock()
	defer mu.Unlock()

	sum, err := GetSummary(msg.ConversationKey)
	switch {
	case errors.Is(err, ErrNotFound):
		peer, perr := convkey.Peer(msg.ConversationKey, msg.SenderID)
		if perr != nil {
			return models.Summary{}, fmt.Errorf("sender %q not in conversation %q: %w", msg.SenderID, msg.ConversationKey, perr)
		}
		sum = models.Summary{
			ConversationKey: msg.ConversationKey,
			UserID:          msg.SenderID,
			OwnerID:         peer,
			LastMessage:     msg.Body,
			Timestamp:       msg.Timestamp,
			UnreadCount:     1,
		}
	case err != nil:
		return models.Summary{}, err
	default:
		sum.LastMessage = msg.Body
		sum.Timestamp = msg.Timestamp
		sum.UnreadCount++
	}
	if err := putSummary(sum); err != nil {
		logger.Error("save_summary_failed", "conversation", msg.ConversationKey, "error", err)
		return models.Summary{}, err
	}
	logger.Debug("summary_upserted", "conversation", msg.ConversationKey, "unread", sum.UnreadCount)
	return sum, nil
}

// ResetUnread clears the unread counter for a conversation.
func ResetUnread(conversationKey string) (models.Summary, error) {
	if db == nil {
		return models.Summary{}, fmt.Errorf("pebble not opened; call store.Open first")
	}
	mu := lockFor(conversationKey)
	mu.Lock()
	defer mu.Unlock()

	sum, err := GetSummary(conversationKey)
	if err != nil {
		return models.Summary{}, err
	}
	if sum.UnreadCount == 0 {
		return sum, nil
	}
	sum.UnreadCount = 0
	if err := putSummary(sum); err != nil {
		logger.Error("reset_unread_failed", "conversation", conversationKey, "error", err)
		return models.Summary{}, err
	}
	logger.Debug("unread_reset", "conversation", conversationKey)
	return sum, nil
}

// ListParticipantChats joins the participant's memberships with their
// summaries, most recent conversation first. Conversations without a
// summary yet (joined but no messages) are skipped.
func ListParticipantChats(participant string) ([]models.Summary, error) {
	keys, err := ListMemberships(participant)
	if err != nil {
		return nil, err
	}
	out := []models.Summary{}
	for _, k := range keys {
		sum, err := GetSummary(k)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, sum)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp > out[j].Timestamp })
	return out, nil
}

// ListKeys returns all keys (as strings) that start with the given prefix.
// If prefix is empty it returns all keys in the DB.
func ListKeys(prefix string) ([]string, error) {
	if db == nil {
		return nil, fmt.Errorf("pebble not opened; call store.Open first")
	}
	iter, err := db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []string
	if prefix == "" {
		for iter.First(); iter.Valid(); iter.Next() {
			out = append(out, string(append([]byte(nil), iter.Key()...)))
		}
		return out, iter.Error()
	}
	pfx := []byte(prefix)
	for iter.SeekGE(pfx); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), pfx) {
			break
		}
		out = append(out, string(append([]byte(nil), iter.Key()...)))
	}
	return out, iter.Error()
}

// GetKey returns the raw value for the given key.
func GetKey(key string) (string, error) {
	if db == nil {
		return "", fmt.Errorf("pebble not opened; call store.Open first")
	}
	v, closer, err := db.Get([]byte(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return "", ErrNotFound
		}
		return "", err
	}
	defer closer.Close()
	return string(v), nil
}

// SaveKey stores an arbitrary key/value pair. Callers should choose a
// safe namespace (e.g. "system:").
func SaveKey(key string, value []byte) error {
	if db == nil {
		return fmt.Errorf("pebble not opened; call store.Open first")
	}
	return db.Set([]byte(key), value, pebble.Sync)
}

// DeleteKey removes a raw key.
func DeleteKey(key string) error {
	if db == nil {
		return fmt.Errorf("pebble not opened; call store.Open first")
	}
	return db.Delete([]byte(key), pebble.Sync)
}

// DBIter returns a raw Pebble iterator for low-level operations. Caller
// must close the iterator when done.
func DBIter() (*pebble.Iterator, error) {
	if db == nil {
		return nil, fmt.Errorf("pebble not opened; call store.Open first")
	}
	return db.NewIter(&pebble.IterOptions{})
}
