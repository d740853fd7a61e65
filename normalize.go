package dmsync

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// isoLayout is the timestamp format written by this package.
const isoLayout = "2006-01-02T15:04:05.000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(isoLayout)
}

// timeLayouts are tried in order. Layouts without an offset are read as UTC.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// parseTime accepts ISO-8601 strings (with or without offset, T or space
// separated) and epoch milliseconds (as string or number). The zero time is
// returned for anything else.
func parseTime(v any) time.Time {
	switch x := v.(type) {
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return time.Time{}
		}
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t
			}
		}
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			return time.UnixMilli(ms)
		}
	case float64:
		return time.UnixMilli(int64(x))
	case int64:
		return time.UnixMilli(x)
	case int:
		return time.UnixMilli(int64(x))
	}
	return time.Time{}
}

// isoOr normalises v to the package timestamp format, or returns fallback.
func isoOr(v any, fallback string) string {
	t := parseTime(v)
	if t.IsZero() {
		return fallback
	}
	return formatTime(t)
}

func messageTime(m *ChatMessage) time.Time {
	return parseTime(m.CreatedAt)
}

// ============================================================================
// Field normalisation
// ============================================================================

var (
	idKeys        = []string{"id", "_id", "messageId"}
	senderKeys    = []string{"sender_id", "senderId", "sender", "from"}
	receiverKeys  = []string{"receiver_id", "receiverId", "receiver", "to"}
	textKeys      = []string{"message_text", "messageText", "text", "content", "body"}
	createdKeys   = []string{"created_at", "createdAt", "timestamp", "sent_at"}
	deliveredKeys = []string{"delivered_at", "deliveredAt"}
	readKeys      = []string{"read_at", "readAt"}
)

// firstOf returns the first non-empty value among keys.
func firstOf(m map[string]any, keys []string) any {
	for _, k := range keys {
		v, ok := m[k]
		if !ok || v == nil {
			continue
		}
		if s, ok := v.(string); ok && s == "" {
			continue
		}
		return v
	}
	return nil
}

// strOf stringifies the first matching value; numeric IDs become decimal text.
func strOf(m map[string]any, keys []string) string {
	switch v := firstOf(m, keys).(type) {
	case string:
		return v
	case float64:
		return strconv.FormatInt(int64(v), 10)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func optionalISO(m map[string]any, keys []string) *string {
	v := firstOf(m, keys)
	if v == nil {
		return nil
	}
	s := isoOr(v, "")
	if s == "" {
		return nil
	}
	return &s
}

// normalizeMessage maps a server message of unknown field casing onto
// ChatMessage. now is used when the server omitted a timestamp.
func normalizeMessage(raw map[string]any, chatID string, now time.Time) ChatMessage {
	return ChatMessage{
		ID:          strOf(raw, idKeys),
		ChatID:      chatID,
		SenderID:    strOf(raw, senderKeys),
		ReceiverID:  strOf(raw, receiverKeys),
		MessageText: strOf(raw, textKeys),
		CreatedAt:   isoOr(firstOf(raw, createdKeys), formatTime(now)),
		DeliveredAt: optionalISO(raw, deliveredKeys),
		ReadAt:      optionalISO(raw, readKeys),
	}
}

// normalizePage normalises, drops empty-text entries and sorts ascending.
func normalizePage(raw []map[string]any, chatID string, now time.Time) []ChatMessage {
	out := make([]ChatMessage, 0, len(raw))
	for _, r := range raw {
		m := normalizeMessage(r, chatID, now)
		if strings.TrimSpace(m.MessageText) == "" {
			continue
		}
		out = append(out, m)
	}
	sortMessages(out)
	return out
}

// ============================================================================
// Ordering and merge
// ============================================================================

// sortMessages orders by created_at ascending; ties keep their relative order.
func sortMessages(msgs []ChatMessage) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return messageTime(&msgs[i]).Before(messageTime(&msgs[j]))
	})
}

// dedupeMessages collapses duplicate IDs, first occurrence wins.
func dedupeMessages(msgs []ChatMessage) []ChatMessage {
	seen := make(map[string]struct{}, len(msgs))
	out := msgs[:0]
	for _, m := range msgs {
		if _, ok := seen[m.ID]; ok {
			continue
		}
		seen[m.ID] = struct{}{}
		out = append(out, m)
	}
	return out
}

// prependPage puts an older page in front of existing, then dedupes and
// re-sorts so overlap never yields duplicates or out-of-order entries.
func prependPage(page, existing []ChatMessage) []ChatMessage {
	merged := make([]ChatMessage, 0, len(page)+len(existing))
	merged = append(merged, page...)
	merged = append(merged, existing...)
	merged = dedupeMessages(merged)
	sortMessages(merged)
	return merged
}

// applyDelivered sets delivered_at once. Returns true if the record changed.
func applyDelivered(m *ChatMessage, at string) bool {
	if m.DeliveredAt != nil || at == "" {
		return false
	}
	m.DeliveredAt = strPtr(at)
	return true
}

// applyRead sets read_at once, back-filling delivered_at so the
// null -> delivered -> read progression holds.
func applyRead(m *ChatMessage, at string) bool {
	if m.ReadAt != nil || at == "" {
		return false
	}
	m.ReadAt = strPtr(at)
	applyDelivered(m, at)
	return true
}
