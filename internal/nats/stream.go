package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/capitalize-ai/realtime-chat/internal/clock"
	"github.com/capitalize-ai/realtime-chat/internal/event"
	"github.com/capitalize-ai/realtime-chat/internal/model"
	"github.com/capitalize-ai/realtime-chat/pkg/logger"
)

const (
	// StreamName is the name of the chat history stream.
	StreamName = "CHAT_HISTORY"

	// HistoryPrefix is the prefix for all history subjects.
	HistoryPrefix = "chat.history"

	// SummaryBucket holds per-user conversation summaries.
	SummaryBucket = "CHAT_CONVERSATIONS"

	fetchBatch = 256
)

var (
	// ErrInvalidKey is returned for ids that cannot be used in a subject
	// or key.
	ErrInvalidKey = errors.New("id is not usable as a subject token")

	keyToken = regexp.MustCompile(`^[-_=A-Za-z0-9]+$`)
)

// ThreadSubject returns the history subject for a conversation as seen
// by localUserID. Both sides of a direct thread map to the same subject.
func ThreadSubject(localUserID, conversationID string) (string, error) {
	typ, subject, ok := model.ParseConversationID(conversationID)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, conversationID)
	}
	if !keyToken.MatchString(subject) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, subject)
	}
	if typ == model.ConversationGroup {
		return fmt.Sprintf("%s.group.%s", HistoryPrefix, subject), nil
	}
	if !keyToken.MatchString(localUserID) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, localUserID)
	}
	a, b := localUserID, subject
	if b < a {
		a, b = b, a
	}
	return fmt.Sprintf("%s.direct.%s.%s", HistoryPrefix, a, b), nil
}

// SummaryKey returns the bucket key of a user's view of a conversation.
func SummaryKey(userID, conversationID string) string {
	return fmt.Sprintf("user.%s.%s", userID, conversationID)
}

// HistoryStore keeps message history in a JetStream stream and
// conversation summaries in a key-value bucket. It implements the chat
// client's Store.
type HistoryStore struct {
	js          jetstream.JetStream
	stream      jetstream.Stream
	summaries   jetstream.KeyValue
	localUserID string
	clock       clock.Clock
	logger      *logger.Logger
}

// NewHistoryStore ensures the stream and bucket exist and returns a store
// acting for localUserID.
func NewHistoryStore(ctx context.Context, js jetstream.JetStream, localUserID string, clk clock.Clock, log *logger.Logger) (*HistoryStore, error) {
	if !keyToken.MatchString(localUserID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKey, localUserID)
	}
	if clk == nil {
		clk = clock.Real()
	}
	s := &HistoryStore{
		js:          js,
		localUserID: localUserID,
		clock:       clk,
		logger:      logger.OrNop(log).Named("history"),
	}

	stream, err := s.ensureStream(ctx)
	if err != nil {
		return nil, err
	}
	s.stream = stream

	kv, err := s.ensureBucket(ctx)
	if err != nil {
		return nil, err
	}
	s.summaries = kv
	return s, nil
}

func (s *HistoryStore) ensureStream(ctx context.Context) (jetstream.Stream, error) {
	stream, err := s.js.Stream(ctx, StreamName)
	if err == nil {
		return stream, nil
	}
	if !errors.Is(err, jetstream.ErrStreamNotFound) {
		return nil, fmt.Errorf("failed to look up stream: %w", err)
	}

	stream, err = s.js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{HistoryPrefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      365 * 24 * time.Hour,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Compression: jetstream.S2Compression,
		Duplicates:  2 * time.Minute,
		DenyDelete:  true,
		DenyPurge:   true,
		Description: "Chat message history",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create stream: %w", err)
	}
	return stream, nil
}

func (s *HistoryStore) ensureBucket(ctx context.Context) (jetstream.KeyValue, error) {
	kv, err := s.js.KeyValue(ctx, SummaryBucket)
	if err == nil {
		return kv, nil
	}
	if !errors.Is(err, jetstream.ErrBucketNotFound) {
		return nil, fmt.Errorf("failed to look up bucket: %w", err)
	}

	kv, err = s.js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      SummaryBucket,
		Description: "Conversation summaries per user",
		History:     1,
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}
	return kv, nil
}

// PersistMessage appends the draft to its thread. The client id is the
// JetStream message id, so a retried draft is stored once and returns
// the first stored copy.
func (s *HistoryStore) PersistMessage(ctx context.Context, draft model.Draft) (model.Message, error) {
	msg := model.Message{
		ID:          uuid.Must(uuid.NewV7()).String(),
		ClientID:    draft.ClientID,
		Content:     draft.Content,
		SenderID:    s.localUserID,
		RecipientID: draft.TargetUserID,
		GroupID:     draft.GroupID,
		Timestamp:   s.clock.Now().UTC(),
		Status:      model.StatusSent,
		Attachments: draft.Attachments,
		Metadata:    draft.Metadata,
		ReplyTo:     draft.ReplyTo,
	}
	if msg.GroupID != "" {
		msg.RecipientID = ""
	}
	if err := msg.Validate(); err != nil {
		return model.Message{}, err
	}

	msg.IsOwn = true
	convID := model.ConversationIDFor(&msg)
	subject, err := ThreadSubject(s.localUserID, convID)
	if err != nil {
		return model.Message{}, err
	}

	data, err := json.Marshal(event.PayloadFromMessage(msg))
	if err != nil {
		return model.Message{}, fmt.Errorf("failed to marshal message: %w", err)
	}

	var opts []jetstream.PublishOpt
	if draft.ClientID != "" {
		opts = append(opts, jetstream.WithMsgID(draft.ClientID))
	}
	ack, err := s.js.Publish(ctx, subject, data, opts...)
	if err != nil {
		return model.Message{}, fmt.Errorf("failed to publish message: %w", err)
	}

	if ack.Duplicate {
		stored, err := s.load(ctx, ack.Sequence)
		if err != nil {
			return model.Message{}, err
		}
		s.logger.Debug("duplicate draft, returning stored copy",
			zap.String("client_id", draft.ClientID),
			zap.Uint64("sequence", ack.Sequence),
		)
		return stored, nil
	}

	s.updateSummaries(ctx, msg)
	return msg, nil
}

func (s *HistoryStore) load(ctx context.Context, seq uint64) (model.Message, error) {
	raw, err := s.stream.GetMsg(ctx, seq)
	if err != nil {
		return model.Message{}, fmt.Errorf("failed to load message %d: %w", seq, err)
	}
	var payload event.MessagePayload
	if err := json.Unmarshal(raw.Data, &payload); err != nil {
		return model.Message{}, fmt.Errorf("failed to unmarshal message %d: %w", seq, err)
	}
	return payload.ToMessage(s.localUserID, model.StatusSent), nil
}

// updateSummaries writes the sender's view and, for direct messages, the
// recipient's. Group members other than the sender read the shared group
// summary. Failures are logged; the message itself is already stored.
func (s *HistoryStore) updateSummaries(ctx context.Context, msg model.Message) {
	type view struct {
		key  string
		conv model.Conversation
	}
	var views []view

	if msg.GroupID != "" {
		conv := summaryFor(model.GroupConversationID(msg.GroupID), model.ConversationGroup, msg)
		views = append(views,
			view{key: SummaryKey(s.localUserID, conv.ID), conv: conv},
			view{key: "group." + conv.ID, conv: conv},
		)
	} else {
		own := summaryFor(model.DirectConversationID(msg.RecipientID), model.ConversationDirect, msg)
		own.Participants = []string{msg.RecipientID}
		peer := summaryFor(model.DirectConversationID(msg.SenderID), model.ConversationDirect, msg)
		peer.Participants = []string{msg.SenderID}
		views = append(views,
			view{key: SummaryKey(s.localUserID, own.ID), conv: own},
			view{key: SummaryKey(msg.RecipientID, peer.ID), conv: peer},
		)
	}

	for _, v := range views {
		data, err := json.Marshal(v.conv)
		if err != nil {
			s.logger.Warn("failed to marshal summary", zap.String("key", v.key), zap.Error(err))
			continue
		}
		if _, err := s.summaries.Put(ctx, v.key, data); err != nil {
			s.logger.Warn("failed to store summary", zap.String("key", v.key), zap.Error(err))
		}
	}
}

func summaryFor(id string, typ model.ConversationType, msg model.Message) model.Conversation {
	last := msg
	last.IsOwn = false
	last.Pending = false
	return model.Conversation{
		ID:          id,
		Type:        typ,
		LastMessage: &last,
		Timestamp:   msg.Timestamp,
	}
}

// FetchConversations lists the local user's summaries. Group summaries
// are refreshed from the shared group entry when it is newer.
func (s *HistoryStore) FetchConversations(ctx context.Context) ([]model.Conversation, error) {
	watcher, err := s.summaries.Watch(ctx, fmt.Sprintf("user.%s.*", s.localUserID), jetstream.IgnoreDeletes())
	if err != nil {
		return nil, fmt.Errorf("failed to watch summaries: %w", err)
	}
	defer func() { _ = watcher.Stop() }()

	var convs []model.Conversation
	for entry := range watcher.Updates() {
		if entry == nil {
			break
		}
		var conv model.Conversation
		if err := json.Unmarshal(entry.Value(), &conv); err != nil {
			s.logger.Warn("skipping unreadable summary", zap.String("key", entry.Key()), zap.Error(err))
			continue
		}
		if conv.Type == model.ConversationGroup {
			s.refreshGroup(ctx, &conv)
		}
		convs = append(convs, s.localize(conv))
	}

	sort.SliceStable(convs, func(i, j int) bool {
		return convs[i].Timestamp.After(convs[j].Timestamp)
	})
	return convs, nil
}

func (s *HistoryStore) refreshGroup(ctx context.Context, conv *model.Conversation) {
	entry, err := s.summaries.Get(ctx, "group."+conv.ID)
	if err != nil {
		if !errors.Is(err, jetstream.ErrKeyNotFound) {
			s.logger.Warn("failed to read group summary", zap.String("conversation_id", conv.ID), zap.Error(err))
		}
		return
	}
	var shared model.Conversation
	if err := json.Unmarshal(entry.Value(), &shared); err != nil {
		return
	}
	if shared.Timestamp.After(conv.Timestamp) {
		conv.LastMessage = shared.LastMessage
		conv.Timestamp = shared.Timestamp
	}
}

func (s *HistoryStore) localize(conv model.Conversation) model.Conversation {
	if conv.LastMessage != nil {
		last := *conv.LastMessage
		last.DeriveOwnership(s.localUserID)
		conv.LastMessage = &last
	}
	return conv
}

// FetchMessages returns a page of a thread in chronological order.
// offset counts back from the newest message, matching the REST API.
func (s *HistoryStore) FetchMessages(ctx context.Context, conversationID string, limit, offset int) ([]model.Message, error) {
	subject, err := ThreadSubject(s.localUserID, conversationID)
	if err != nil {
		return nil, err
	}

	consumer, err := s.js.CreateConsumer(ctx, StreamName, jetstream.ConsumerConfig{
		FilterSubject:     subject,
		AckPolicy:         jetstream.AckNonePolicy,
		DeliverPolicy:     jetstream.DeliverAllPolicy,
		InactiveThreshold: 30 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}
	defer func() {
		if err := s.js.DeleteConsumer(context.Background(), StreamName, consumer.CachedInfo().Name); err != nil {
			s.logger.Debug("failed to delete consumer", zap.Error(err))
		}
	}()

	info, err := consumer.Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read consumer info: %w", err)
	}
	remaining := int(info.NumPending)

	var messages []model.Message
	for remaining > 0 {
		batch, err := consumer.Fetch(min(remaining, fetchBatch), jetstream.FetchMaxWait(2*time.Second))
		if err != nil {
			return nil, fmt.Errorf("failed to fetch messages: %w", err)
		}

		received := 0
		for msg := range batch.Messages() {
			received++
			var payload event.MessagePayload
			if err := json.Unmarshal(msg.Data(), &payload); err != nil {
				s.logger.Warn("skipping unreadable message", zap.String("subject", msg.Subject()), zap.Error(err))
				continue
			}
			messages = append(messages, payload.ToMessage(s.localUserID, model.StatusSent))
		}
		if err := batch.Error(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, jetstream.ErrNoMessages) {
			return nil, fmt.Errorf("batch error: %w", err)
		}
		if received == 0 {
			break
		}
		remaining -= received
	}

	return window(messages, limit, offset), nil
}

// window returns up to limit messages ending offset messages before the
// newest. A non-positive limit returns everything before the offset.
func window(msgs []model.Message, limit, offset int) []model.Message {
	if offset < 0 {
		offset = 0
	}
	end := len(msgs) - offset
	if end <= 0 {
		return []model.Message{}
	}
	start := 0
	if limit > 0 && end-limit > 0 {
		start = end - limit
	}
	return append([]model.Message(nil), msgs[start:end]...)
}
